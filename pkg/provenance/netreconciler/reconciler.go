// Package netreconciler decides between the two sources of network identity:
// syscall records with SOCKADDR data, and records emitted by the netio kernel
// module.
package netreconciler

import (
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
)

// Reconciler holds the once-decided kernel module flag. For live input the
// flag comes from configuration; for replayed logs it is inferred from the
// first network record seen.
type Reconciler struct {
	live    bool
	value   bool
	decided bool
}

// New creates a reconciler. For live sessions the flag is fixed right away.
func New(live, kernelModule bool) *Reconciler {
	r := &Reconciler{live: live}
	if live {
		r.value = kernelModule
		r.decided = true
	}
	return r
}

// NewDecided creates a reconciler for a replayed stream whose flag is
// configured explicitly.
func NewDecided(kernelModule bool) *Reconciler {
	return &Reconciler{value: kernelModule, decided: true}
}

// Decide records the flag unless it is already set. Only the first call on a
// replayed stream has an effect.
func (r *Reconciler) Decide(live, value bool) {
	if r.decided {
		return
	}
	if live {
		return
	}
	r.value = value
	r.decided = true
	logger.L().Debug("network identity source decided",
		helpers.Interface("kernelModule", value))
}

// HandleKernelModuleRecords returns the flag and whether it has been decided.
func (r *Reconciler) HandleKernelModuleRecords() (value, decided bool) {
	return r.value, r.decided
}

// Live reports whether the reconciler was created for a live session.
func (r *Reconciler) Live() bool {
	return r.live
}

// Choose picks the identifier for a network record. The descriptor's
// identifier wins when it already knows the remote end.
func Choose(fdID, recordID artifact.Identifier) artifact.Identifier {
	if ns, ok := fdID.(artifact.NetworkSocket); ok && ns.HasRemote() {
		return fdID
	}
	if recordID == nil {
		return fdID
	}
	return recordID
}
