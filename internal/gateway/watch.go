// ABOUTME: In-process event watchers that mirror session lifecycle into side channels
// ABOUTME: Drives per-account gRPC health status, the audit log and terminal QR rendering

package gateway

import (
	"context"
	"fmt"

	"github.com/mdp/qrterminal/v3"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/session-gateway/internal/events"
)

// accountServiceName is the gRPC health service name reported for an account.
func accountServiceName(accountID string) string {
	return "account/" + accountID
}

// startWatchers subscribes before returning so no event published after New
// is missed.
func (g *Gateway) startWatchers(ctx context.Context) {
	ch, _ := g.broadcaster.Subscribe(ctx)

	g.watchWG.Add(1)
	go func() {
		defer g.watchWG.Done()
		for ev := range ch {
			g.observe(ev)
		}
	}()
}

func (g *Gateway) observe(ev events.Event) {
	if e, ok := auditFromEvent(ev); ok {
		g.recordAudit(e)
	}

	switch p := ev.Data.(type) {
	case events.LoginPayload:
		g.health.SetServingStatus(accountServiceName(p.AccountID), healthpb.HealthCheckResponse_SERVING)
	case events.DisconnectPayload:
		if p.AccountID == "" {
			return
		}
		// A takeover announces the old session's disconnect after the new
		// one is already serving the account.
		if _, ok := g.coordinator.Registry().LookupByAccount(p.AccountID); ok {
			return
		}
		g.health.SetServingStatus(accountServiceName(p.AccountID), healthpb.HealthCheckResponse_NOT_SERVING)
	case events.QRPayload:
		if g.qrOut != nil {
			g.renderChallenge(p)
		}
	}
}

// renderChallenge prints an auth challenge as a QR code.
func (g *Gateway) renderChallenge(p events.QRPayload) {
	fmt.Fprintf(g.qrOut, "\nAuth challenge for client %s:\n", p.ClientID)
	qrterminal.GenerateHalfBlock(p.QR, qrterminal.L, g.qrOut)
	fmt.Fprintln(g.qrOut, p.QR)
}
