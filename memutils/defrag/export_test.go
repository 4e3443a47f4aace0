package defrag

import (
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/filealloc/memutils"
	"golang.org/x/exp/slog"
)

func ContextWithMoves(moves []Move) *Context {
	return &Context{
		Algorithm: AlgorithmFull,
		Logger:    slog.Default(),
		moves:     moves,
		ignored:   swiss.NewMap[memutils.Offset, struct{}](16),
	}
}
