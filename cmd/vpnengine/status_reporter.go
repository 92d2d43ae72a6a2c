package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/vpnengine/pkg/core"
	"github.com/irctrakz/vpnengine/pkg/logging"
	"github.com/irctrakz/vpnengine/pkg/usage"
)

type statusSource interface {
	CurrentStatus() core.Status
}

// runStatusReporter logs one status line per interval until ctx is done.
func runStatusReporter(ctx context.Context, src statusSource, interval time.Duration) {
	log := logging.WithComponent("status")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var prev core.UsageSample
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := src.CurrentStatus()
		log.WithFields(statusFields(st, prev, interval)).Info("status")
		prev = st.Usage
	}
}

// statusFields summarizes st. Rates are computed against the previous
// sample; an axis whose counter was reset reports zero.
func statusFields(st core.Status, prev core.UsageSample, interval time.Duration) logrus.Fields {
	f := logrus.Fields{"state": st.State.String()}
	if st.Endpoint.ID != "" {
		f["endpoint"] = st.Endpoint.ID
	}
	if st.State != core.StateConnected {
		if st.LastError != "" {
			f["last_error"] = st.LastError
		}
		return f
	}
	f["session"] = st.SessionID
	f["elapsed"] = st.Elapsed.Truncate(time.Second).String()
	f["down"] = formatBytes(st.Usage.BytesDown)
	f["up"] = formatBytes(st.Usage.BytesUp)
	down, up := usage.Delta(prev, st.Usage)
	secs := interval.Seconds()
	if secs > 0 {
		f["down_rate"] = formatBytes(uint64(float64(down)/secs)) + "/s"
		f["up_rate"] = formatBytes(uint64(float64(up)/secs)) + "/s"
	}
	return f
}

func logTransition(ev core.Event) {
	entry := logging.WithComponent("session").WithFields(logrus.Fields{
		"seq":      ev.Seq,
		"session":  ev.SessionID,
		"endpoint": ev.EndpointID,
	})
	if ev.LastError != "" && ev.To == core.StateFailed {
		entry.Warnf("%s -> %s: %s", ev.From, ev.To, ev.LastError)
		return
	}
	entry.Infof("%s -> %s", ev.From, ev.To)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
