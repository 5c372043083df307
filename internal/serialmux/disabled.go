package serialmux

import (
	"context"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.report/internal/httputil"
)

// DisabledSerialMux stands in when no gateway port is configured. Commands
// are discarded and Monitor idles until cancelled; subscriptions still
// close on Close so gateway readers unblock.
type DisabledSerialMux struct {
	subs *subscriberSet
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{subs: newSubscriberSet(0)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) { return d.subs.add() }
func (d *DisabledSerialMux) Unsubscribe(id string)            { d.subs.remove(id) }
func (d *DisabledSerialMux) SendCommand(string) error         { return nil }
func (d *DisabledSerialMux) Initialize() error                { return nil }

func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Close() error {
	d.subs.shutdown()
	return nil
}

// AttachAdminRoutes serves /debug/serial-stats reporting the gateway as
// disabled.
func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	tsweb.Debugger(mux).HandleFunc("serial-stats", "serial gateway traffic counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, map[string]any{"enabled": false, "subscribers": d.subs.len()})
	})
}
