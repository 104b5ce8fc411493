// Package groups keeps the tree of metric groups handed to the metrics exporter:
// one job manager group per coordinator with one child group per open job.
package groups

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dataflow/coord/common/stats"
)

// Kind selects how a group formats its scope.
type Kind int

const (
	KindJobManager Kind = iota
	KindJob
)

func (k Kind) String() string {
	switch k {
	case KindJobManager:
		return "jobmanager"
	case KindJob:
		return "job"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Variable names available to scope formats and exporters.
const (
	HostVariable    = "<host>"
	JobIDVariable   = "<job_id>"
	JobNameVariable = "<job_name>"
)

var ErrGroupClosed = errors.New("metric group is closed")

// ScopeComponents returns the scope of a group of kind given its variables
// (including inherited ones):
//
//	KindJobManager: <host>.jobmanager
//	KindJob:        <host>.jobmanager.<job_id>
func ScopeComponents(kind Kind, variables map[string]string) []string {
	switch kind {
	case KindJobManager:
		return []string{variables[HostVariable], "jobmanager"}
	case KindJob:
		return []string{variables[HostVariable], "jobmanager", variables[JobIDVariable]}
	}
	return []string{kind.String()}
}

// ScopeName is the dot separated form of ScopeComponents.
func ScopeName(kind Kind, variables map[string]string) string {
	return strings.Join(ScopeComponents(kind, variables), ".")
}

// Group is one node of the metric group tree. It holds a non-owning reference
// to its parent and its children in insertion order. Instruments created through
// Stats() are removed when the group is closed.
type Group struct {
	mu        sync.Mutex
	kind      Kind
	name      string
	variables map[string]string
	parent    *Group
	children  []*Group
	closed    bool
	base      stats.StatsReceiver // unscoped, shared by the whole tree
	stat      stats.StatsReceiver
}

// NewJobManagerGroup creates the root group of a coordinator running on hostname.
func NewJobManagerGroup(hostname string, stat stats.StatsReceiver) *Group {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	g := &Group{
		kind:      KindJobManager,
		name:      "jobmanager",
		variables: map[string]string{HostVariable: hostname},
		base:      stat,
	}
	g.stat = stat.Scope(ScopeComponents(g.kind, g.variables)...)
	return g
}

// AddJob adds the group of an open job. Fails with ErrGroupClosed once g is closed.
func (g *Group) AddJob(jobID, jobName string) (*Group, error) {
	return g.AddChild(KindJob, jobName, map[string]string{JobIDVariable: jobID, JobNameVariable: jobName})
}

// AddChild appends a child group with the given own variables.
func (g *Group) AddChild(kind Kind, name string, variables map[string]string) (*Group, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGroupClosed
	}
	child := &Group{
		kind:      kind,
		name:      name,
		variables: map[string]string{},
		parent:    g,
		base:      g.base,
	}
	for k, v := range variables {
		child.variables[k] = v
	}
	all := g.variablesLocked()
	for k, v := range child.variables {
		all[k] = v
	}
	child.stat = g.base.Scope(ScopeComponents(kind, all)...)
	g.children = append(g.children, child)
	return child, nil
}

// Close closes the children, removes the group's instruments and prunes it from
// its parent. Idempotent.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	children := g.children
	g.children = nil
	g.mu.Unlock()

	for _, c := range children {
		c.Close()
	}
	g.stat.RemoveAll()
	if g.parent != nil {
		g.parent.removeChild(g)
	}
}

func (g *Group) Name() string { return g.name }
func (g *Group) Kind() Kind   { return g.kind }
func (g *Group) Parent() *Group {
	return g.parent
}

func (g *Group) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Variables returns the group's variables merged with its ancestors'.
func (g *Group) Variables() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.variablesLocked()
}

// Children returns the open child groups in insertion order.
func (g *Group) Children() []*Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Group(nil), g.children...)
}

func (g *Group) ScopeName() string {
	return ScopeName(g.kind, g.Variables())
}

// Stats returns the receiver scoped to this group.
func (g *Group) Stats() stats.StatsReceiver {
	return g.stat
}

func (g *Group) String() string {
	return fmt.Sprintf("{kind:%s, name:%s, scope:%s, children:%d}", g.kind, g.name, g.ScopeName(), len(g.Children()))
}

func (g *Group) removeChild(child *Group) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, c := range g.children {
		if c == child {
			g.children = append(g.children[:i], g.children[i+1:]...)
			return
		}
	}
}

// Parent variables are read without the parent lock: they never change after
// the parent was created.
func (g *Group) variablesLocked() map[string]string {
	all := map[string]string{}
	for p := g; p != nil; p = p.parent {
		for k, v := range p.variables {
			if _, ok := all[k]; !ok {
				all[k] = v
			}
		}
	}
	return all
}
