package defrag

import "github.com/vkngwrapper/filealloc/memutils"

// MoveOperation is a handler's decision about a single relocation
type MoveOperation uint32

const (
	// MoveCopy accepts the relocation: the data is copied to the destination and the source
	// allocation is freed
	MoveCopy MoveOperation = iota
	// MoveIgnore rejects the relocation: the temporary destination is freed and the source stays
	// where it is
	MoveIgnore
	// MoveDestroy discards the allocation altogether: both the source and the temporary
	// destination are freed
	MoveDestroy
)

var moveOperationMapping = map[MoveOperation]string{
	MoveCopy:    "MoveCopy",
	MoveIgnore:  "MoveIgnore",
	MoveDestroy: "MoveDestroy",
}

func (o MoveOperation) String() string {
	return moveOperationMapping[o]
}

// Handler is called for each collected move as part of Context.CompletePass. Callers use it
// to repoint their own references from Src to Dst.
type Handler func(move Move) MoveOperation

// Move is one relocation collected by Context.CollectMoves
type Move struct {
	// Size is the usable size of the allocation being moved
	Size uint64
	// Src is the pointer of the live allocation
	Src memutils.Offset
	// Dst is the pointer of a temporary allocation, lower in the region, that the data will be
	// copied into
	Dst memutils.Offset
}
