package graph

import "github.com/pkg/errors"

var (
	// ErrTopology reports an invalid graph change: duplicate names, links
	// between incompatible nodes, or nodes from another graph.
	ErrTopology         = errors.New("invalid graph topology")
	ErrSplitterFull     = errors.New("splitter has no free output")
	ErrDetachInProgress = errors.New("branch is already being detached")
	ErrBranchReleased   = errors.New("branch has been released")
	ErrNoSource         = errors.New("graph has no source node")
	ErrTornDown         = errors.New("graph has been torn down")
)
