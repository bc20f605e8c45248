package itip

import (
	"context"

	"github.com/calserv/scheduling/caldata"
)

// applyHostedStatus tags every attendee that does not resolve to a
// local principal with the configured hosted-status parameter
// (X-APPLE-HOSTED-STATUS=EXTERNAL by default). Local principals never
// carry the parameter; a stale tag is removed.
func (p *Processor) applyHostedStatus(ctx context.Context, tree *caldata.ObjectTree) {
	if !p.cfg.HostedStatus.Enabled {
		return
	}
	param := p.cfg.HostedStatus.Parameter
	for _, uri := range tree.AttendeeURIs() {
		if _, err := p.dir.Lookup(ctx, uri); err != nil {
			tree.SetAttendeeParam(uri, param, p.cfg.HostedStatus.ExternalValue)
		} else {
			tree.SetAttendeeParam(uri, param, "")
		}
	}
}
