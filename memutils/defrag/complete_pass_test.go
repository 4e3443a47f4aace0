package defrag_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/filealloc/memutils/defrag"
	mock_defrag "github.com/vkngwrapper/filealloc/memutils/defrag/mocks"
	"github.com/vkngwrapper/filealloc/memutils/region"
	"go.uber.org/mock/gomock"
)

func TestSimpleCompletePass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	memory := region.NewMemory(512)
	copy(region.Slice(memory, 400, 16), "relocated data!!")

	mockAllocator := mock_defrag.NewMockAllocator(ctrl)
	mockAllocator.EXPECT().Region().Return(memory)
	mockAllocator.EXPECT().Free(uint64(400)).Return(nil)

	context := defrag.ContextWithMoves([]defrag.Move{
		{Size: 16, Src: 400, Dst: 8},
	})
	context.Allocator = mockAllocator
	context.Handler = func(move defrag.Move) defrag.MoveOperation {
		return defrag.MoveCopy
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       16,
	}

	err := context.CompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       16,
	}, pass.Stats)
	require.Equal(t, pass.Stats, context.Stats())
	require.Equal(t, []byte("relocated data!!"), region.Slice(memory, 8, 16))
	require.Empty(t, context.Moves())
}

func TestIgnoreCompletePass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	memory := region.NewMemory(512)

	mockAllocator := mock_defrag.NewMockAllocator(ctrl)
	mockAllocator.EXPECT().Region().Return(memory)
	mockAllocator.EXPECT().Free(uint64(8)).Return(nil)
	mockAllocator.EXPECT().Free(uint64(200)).Return(nil)

	context := defrag.ContextWithMoves([]defrag.Move{
		{Size: 16, Src: 400, Dst: 8},
		{Size: 32, Src: 480, Dst: 200},
	})
	context.Allocator = mockAllocator
	context.Handler = func(move defrag.Move) defrag.MoveOperation {
		return defrag.MoveIgnore
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 2,
		BytesMoved:       48,
	}

	err := context.CompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{}, pass.Stats)
}

func TestDestroyCompletePass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	memory := region.NewMemory(512)

	mockAllocator := mock_defrag.NewMockAllocator(ctrl)
	mockAllocator.EXPECT().Region().Return(memory)
	mockAllocator.EXPECT().Free(uint64(8)).Return(nil)
	mockAllocator.EXPECT().Free(uint64(400)).Return(nil)

	context := defrag.ContextWithMoves([]defrag.Move{
		{Size: 16, Src: 400, Dst: 8},
	})
	context.Allocator = mockAllocator
	context.Handler = func(move defrag.Move) defrag.MoveOperation {
		return defrag.MoveDestroy
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 1,
		BytesMoved:       16,
	}

	err := context.CompletePass(&pass)
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		BytesFreed:           16,
		AllocationsDestroyed: 1,
	}, pass.Stats)
}

func TestCompletePassCombinesErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	memory := region.NewMemory(512)

	mockAllocator := mock_defrag.NewMockAllocator(ctrl)
	mockAllocator.EXPECT().Region().Return(memory)
	mockAllocator.EXPECT().Free(uint64(400)).Return(errors.New("first failure"))
	mockAllocator.EXPECT().Free(uint64(200)).Return(nil)
	mockAllocator.EXPECT().Free(uint64(300)).Return(errors.New("second failure"))

	context := defrag.ContextWithMoves([]defrag.Move{
		{Size: 16, Src: 400, Dst: 8},
		{Size: 16, Src: 300, Dst: 200},
	})
	context.Allocator = mockAllocator

	var calls int
	context.Handler = func(move defrag.Move) defrag.MoveOperation {
		calls++
		if move.Src == 400 {
			return defrag.MoveCopy
		}
		return defrag.MoveDestroy
	}

	var pass defrag.PassContext
	pass.Stats = defrag.DefragmentationStats{
		AllocationsMoved: 2,
		BytesMoved:       32,
	}

	err := context.CompletePass(&pass)
	require.ErrorContains(t, err, "first failure")
	require.Equal(t, 2, calls)
	require.Empty(t, context.Moves())
}

func TestMoveOperationStrings(t *testing.T) {
	require.Equal(t, "MoveCopy", defrag.MoveCopy.String())
	require.Equal(t, "MoveDestroy", defrag.MoveDestroy.String())
	require.Equal(t, "AlgorithmFull", defrag.AlgorithmFull.String())
}
