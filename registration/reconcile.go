package registration

import (
	"context"
	"sort"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

// Reconciliation compares the objects this node stores with the ones the
// registry knows for it. Both lists are sorted.
type Reconciliation struct {
	Matched    bool     `json:"matched"`
	NotInCloud []string `json:"notInCloud"`
	NotInLocal []string `json:"notInLocal"`
}

// CompareLocalAndRemote is a pure set comparison. Duplicates are ignored.
func CompareLocalAndRemote(local, remote []string) Reconciliation {
	inLocal := make(map[string]bool, len(local))
	for _, oid := range local {
		inLocal[oid] = true
	}
	inRemote := make(map[string]bool, len(remote))
	for _, oid := range remote {
		inRemote[oid] = true
	}

	r := Reconciliation{NotInCloud: []string{}, NotInLocal: []string{}}
	for oid := range inLocal {
		if !inRemote[oid] {
			r.NotInCloud = append(r.NotInCloud, oid)
		}
	}
	for oid := range inRemote {
		if !inLocal[oid] {
			r.NotInLocal = append(r.NotInLocal, oid)
		}
	}
	sort.Strings(r.NotInCloud)
	sort.Strings(r.NotInLocal)
	r.Matched = len(r.NotInCloud) == 0 && len(r.NotInLocal) == 0
	return r
}

// Audit compares the local store with the registry and logs any mismatch.
// Nothing is repaired.
func (m *Manager) Audit(ctx context.Context) (Reconciliation, error) {
	local, err := m.deps.Store.List(ctx)
	if err != nil {
		return Reconciliation{}, err
	}
	remote, err := m.deps.Registry.GetRegistrations(ctx, m.opts.GatewayID)
	if err != nil {
		return Reconciliation{}, errs.Upstream(err, managerComponent, "Audit", "get registrations")
	}

	r := CompareLocalAndRemote(local, remote)
	if r.Matched {
		m.logger.Info("Local and platform registrations match", "count", len(local))
	} else {
		m.logger.Warn("Local and platform registrations differ",
			"not_in_platform", r.NotInCloud, "not_in_local", r.NotInLocal)
	}
	return r, nil
}
