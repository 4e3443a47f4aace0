package defrag

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/filealloc/memutils"
	"github.com/vkngwrapper/filealloc/memutils/alloc"
	"github.com/vkngwrapper/filealloc/memutils/region"
	"golang.org/x/exp/slog"
)

//go:generate mockgen -source context.go -destination ./mocks/context.go

// Allocator is the allocator surface defragmentation needs. *alloc.LinearAllocator implements it.
type Allocator interface {
	// Region returns the region allocations live in
	Region() region.Region
	// VisitAllRegions walks allocations and free spans in offset order
	VisitAllRegions(visitor func(offset memutils.Offset, size uint64, free bool) bool) error
	// AllocateBefore allocates size bytes ending at or before limit, or returns
	// memutils.NilOffset if no space qualifies
	AllocateBefore(size uint64, limit memutils.Offset) (memutils.Offset, error)
	// Free releases an allocation
	Free(ptr memutils.Offset) error
}

type liveAllocation struct {
	ptr  memutils.Offset
	size uint64
}

// Context is the core of the defragmentation logic. One of these must be created and
// initialized for each defragmentation run, which will then consist of multiple passes. Each
// pass moves live allocations down into free space below them so that free space gathers at
// the end of the region.
type Context struct {
	// Algorithm is the defragmentation algorithm that should be used
	Algorithm Algorithm
	// Handler is a method that will be called to complete each relocation as part of CompletePass
	Handler Handler
	// Allocator is the memory object this context exists to defragment
	Allocator Allocator
	// Logger receives pass progress. slog.Default() is used if it is nil.
	Logger *slog.Logger

	moves    []Move
	scratch  []liveAllocation
	ignored  *swiss.Map[memutils.Offset, struct{}]
	finished bool
	stats    DefragmentationStats
}

// Init sets up this Context to be used in a fresh defragmentation run. Context can be reused
// for multiple runs, as long as this method is called prior to beginning each run, including
// the first
func (c *Context) Init() error {
	if c.Allocator == nil {
		panic("attempted to init defragmentation context without an allocator")
	}

	if c.Handler == nil {
		return errors.New("attempted to init defragmentation context without a handler")
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmFull
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	c.moves = c.moves[:0]
	c.ignored = swiss.NewMap[memutils.Offset, struct{}](16)
	c.finished = false
	c.stats = DefragmentationStats{}
	return nil
}

// Stats returns the statistics accumulated by every completed pass of the current run
func (c *Context) Stats() DefragmentationStats {
	return c.stats
}

// Moves returns the list of relocation operations most recently collected with CollectMoves
func (c *Context) Moves() []Move {
	return c.moves
}

// CollectMoves retrieves a single pass's worth of Move operations, which can then be retrieved
// from Context.Moves. Each move has already reserved its destination. It returns false when the
// run is over and there is nothing left to move.
func (c *Context) CollectMoves(pass *PassContext) (bool, error) {
	if len(c.moves) > 0 {
		return false, errors.New("attempted to collect moves before completing the previous pass")
	}

	pass.reset()
	if c.finished {
		return false, nil
	}

	switch c.Algorithm {
	case AlgorithmFast:
		c.finished = true
	case AlgorithmFull:
	default:
		panic(fmt.Sprintf("attempted to defragment with unknown algorithm: %s", c.Algorithm.String()))
	}

	err := c.snapshotAllocations()
	if err != nil {
		return false, err
	}

	err = c.walkAllocations(pass)
	if err != nil {
		return false, errors.CombineErrors(err, c.releaseMoves())
	}

	if len(c.moves) == 0 {
		c.finished = true
	}

	c.Logger.Debug("Context::CollectMoves",
		slog.String("Algorithm", c.Algorithm.String()),
		slog.Int("Moves", len(c.moves)),
		slog.Int("Bytes", pass.Stats.BytesMoved))
	return len(c.moves) > 0, nil
}

func (c *Context) snapshotAllocations() error {
	c.scratch = c.scratch[:0]
	seenFree := false

	return c.Allocator.VisitAllRegions(func(offset memutils.Offset, size uint64, free bool) bool {
		if free {
			seenFree = true
		} else if seenFree && !c.ignored.Has(offset) {
			// Allocations before the first free span are already as low as they can go
			c.scratch = append(c.scratch, liveAllocation{ptr: offset, size: size})
		}
		return true
	})
}

func (c *Context) walkAllocations(pass *PassContext) error {
	for _, allocation := range c.scratch {
		counter := pass.checkCounters(int(allocation.size))
		switch counter {
		case defragCounterIgnore:
			continue
		case defragCounterEnd:
			return nil
		case defragCounterPass:
			break
		default:
			panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
		}

		dst, err := c.Allocator.AllocateBefore(allocation.size, allocation.ptr-alloc.LinearHeaderSize)
		if err != nil {
			return err
		}

		if dst == memutils.NilOffset {
			continue
		}

		c.moves = append(c.moves, Move{Size: allocation.size, Src: allocation.ptr, Dst: dst})
		if pass.incrementCounters(int(allocation.size)) {
			return nil
		}
	}

	return nil
}

func (c *Context) releaseMoves() error {
	var err error
	for _, move := range c.moves {
		err = errors.CombineErrors(err, c.Allocator.Free(move.Dst))
	}
	c.moves = c.moves[:0]
	return err
}

// CompletePass should be called after CollectMoves returned true. It calls Context.Handler for
// each collected move and carries out the handler's decision, updating the pass statistics to
// match. Allocations the handler ignores are not offered again during the run. Errors from freeing allocations are combined and returned after every move has been
// handled.
func (c *Context) CompletePass(pass *PassContext) error {
	var allErrors error
	data := c.Allocator.Region()

	for _, move := range c.moves {
		operation := c.Handler(move)

		switch operation {
		case MoveCopy:
			copy(region.Slice(data, move.Dst, move.Size), region.Slice(data, move.Src, move.Size))
			allErrors = errors.CombineErrors(allErrors, c.Allocator.Free(move.Src))

		case MoveIgnore:
			pass.Stats.BytesMoved -= int(move.Size)
			pass.Stats.AllocationsMoved--
			c.ignored.Put(move.Src, struct{}{})
			allErrors = errors.CombineErrors(allErrors, c.Allocator.Free(move.Dst))

		case MoveDestroy:
			pass.Stats.BytesMoved -= int(move.Size)
			pass.Stats.AllocationsMoved--
			pass.Stats.BytesFreed += int(move.Size)
			pass.Stats.AllocationsDestroyed++
			allErrors = errors.CombineErrors(allErrors, c.Allocator.Free(move.Dst))
			allErrors = errors.CombineErrors(allErrors, c.Allocator.Free(move.Src))

		default:
			pass.Stats.BytesMoved -= int(move.Size)
			pass.Stats.AllocationsMoved--
			c.ignored.Put(move.Src, struct{}{})
			allErrors = errors.CombineErrors(allErrors, c.Allocator.Free(move.Dst))
			allErrors = errors.CombineErrors(allErrors, errors.Newf("handler returned unknown move operation %d for allocation %d", operation, move.Src))
		}
	}

	c.moves = c.moves[:0]
	c.stats.Add(pass.Stats)

	c.Logger.Debug("Context::CompletePass",
		slog.Int("AllocationsMoved", pass.Stats.AllocationsMoved),
		slog.Int("BytesMoved", pass.Stats.BytesMoved),
		slog.Int("BytesFreed", pass.Stats.BytesFreed))
	return allErrors
}
