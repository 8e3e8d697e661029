// Package probe holds the periodic presence prober and the offline sweeper.
// Both are trigger bodies: the cron service decides when they run.
package probe

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"lampbridge/internal/gateway"
)

// Publisher is the gateway's outbound publish capability.
type Publisher interface {
	Publish(ctx context.Context, topic, payload string) error
}

// QueryRecorder stamps "we asked" on the presence tracker.
type QueryRecorder interface {
	RecordQueryTime(device string)
}

// Prober probes one roster device per tick, selected by epoch-seconds modulo
// roster size so successive ticks walk the whole fleet.
type Prober struct {
	namespace string
	roster    []string
	gw        Publisher
	tracker   QueryRecorder
	log       zerolog.Logger

	now     func() time.Time // test hook
	randInt func(n int) int
}

func NewProber(namespace string, roster []string, gw Publisher, tracker QueryRecorder, log zerolog.Logger) *Prober {
	return &Prober{
		namespace: namespace,
		roster:    roster,
		gw:        gw,
		tracker:   tracker,
		log:       log.With().Str("component", "prober").Logger(),
		now:       time.Now,
		randInt:   rand.Intn,
	}
}

// Tick publishes one probe with a fresh random correlation id and records the
// query time for the selected device.
func (p *Prober) Tick(ctx context.Context) {
	if len(p.roster) == 0 {
		return
	}
	device := p.roster[int(p.now().Unix())%len(p.roster)]

	// Six-digit numeric correlation id, matching what devices echo back.
	id := strconv.Itoa(100_000 + p.randInt(900_000))
	payload, _ := json.Marshal(map[string]string{"id": id})

	if err := p.gw.Publish(ctx, gateway.ProbeTopic(p.namespace, device), string(payload)); err != nil {
		p.log.Error().Err(err).Str("device", device).Msg("probe publish failed")
		return
	}
	p.tracker.RecordQueryTime(device)
	p.log.Debug().Str("device", device).Str("probe_id", id).Msg("probe sent")
}
