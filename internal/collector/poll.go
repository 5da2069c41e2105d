// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

package collector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/meshwatch/meshwatch/internal/logging"
	"github.com/meshwatch/meshwatch/internal/metrics"
	"github.com/meshwatch/meshwatch/internal/models"
)

const (
	defaultPollInterval = 60 * time.Second
	pollPageLimit       = 500
	pollMaxPages        = 20
)

// pollCollector periodically pulls nodes, messages, telemetry and
// traceroutes from a REST API and normalizes them into the same
// canonical rows the subscribe path produces. A failed cycle records
// the error on the source and waits for the next interval.
type pollCollector struct {
	gw  Gateway
	src models.Source
	api *apiClient

	mu          sync.Mutex
	phase       string
	lastError   string
	histRunning bool

	progress atomic.Int64
	total    atomic.Int64

	cancel   context.CancelFunc
	stopChan chan struct{}
	syncChan chan struct{}
	wg       sync.WaitGroup
}

func newPollCollector(gw Gateway, src *models.Source) *pollCollector {
	return &pollCollector{
		gw:       gw,
		src:      *src,
		api:      newAPIClient(src.URL, src.Name),
		phase:    PhaseStopped,
		stopChan: make(chan struct{}),
		syncChan: make(chan struct{}, 1),
	}
}

func (c *pollCollector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *pollCollector) Stop() error {
	// Held so TriggerHistorical cannot wg.Add between the close and the
	// Wait below.
	c.mu.Lock()
	close(c.stopChan)
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.setPhase(PhaseStopped)
	return nil
}

func (c *pollCollector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	phase := c.phase
	if c.histRunning {
		phase = PhaseHistorical
	}
	return Status{
		SourceID:   c.src.ID,
		SourceName: c.src.Name,
		Kind:       models.SourceKindPoll,
		Phase:      phase,
		Progress:   c.progress.Load(),
		Total:      c.total.Load(),
		LastError:  c.lastError,
	}
}

// TriggerSync requests one immediate cycle; if one is already queued
// the request coalesces.
func (c *pollCollector) TriggerSync() error {
	select {
	case c.syncChan <- struct{}{}:
	default:
	}
	return nil
}

func (c *pollCollector) setPhase(phase string) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}

func (c *pollCollector) setError(err error) {
	c.mu.Lock()
	if err != nil {
		c.lastError = err.Error()
	} else {
		c.lastError = ""
	}
	c.mu.Unlock()
	recordError(context.Background(), c.gw, c.src.ID, err)
}

func (c *pollCollector) run(ctx context.Context) {
	defer c.wg.Done()

	interval := c.src.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	c.cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.cycle(ctx)
		case <-c.syncChan:
			c.cycle(ctx)
		}
	}
}

// cycle runs one full poll: version probe, then the four entity pulls
// in sequence. Any error ends the cycle early; the loop continues at
// the next interval.
func (c *pollCollector) cycle(ctx context.Context) {
	c.setPhase(PhasePolling)
	defer c.setPhase(PhaseIdle)
	start := time.Now()

	version, err := c.api.probe(ctx)
	if err != nil {
		c.setError(fmt.Errorf("health check: %w", err))
		logging.Warn().Err(err).Str("source", c.src.Name).Msg("Skipping poll cycle, API unreachable")
		metrics.RecordPollCycle(c.src.Name, time.Since(start), err)
		return
	}

	pulls := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"nodes", c.pullNodes},
		{"messages", c.pullMessages},
		{"telemetry", c.pullTelemetry},
		{"traceroutes", c.pullTraceroutes},
	}
	for _, p := range pulls {
		if ctx.Err() != nil {
			return
		}
		if err := p.fn(ctx); err != nil {
			c.setError(fmt.Errorf("pull %s: %w", p.name, err))
			logging.Warn().Err(err).Str("source", c.src.Name).Str("entity", p.name).Msg("Poll cycle failed")
			metrics.RecordPollCycle(c.src.Name, time.Since(start), err)
			return
		}
	}

	now := time.Now().UTC()
	if err := c.gw.UpdateSourceStatus(ctx, c.src.ID, &now, nil, &version); err != nil {
		logging.Warn().Err(err).Str("source", c.src.Name).Msg("Source status update failed")
	}
	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
	metrics.RecordPollCycle(c.src.Name, time.Since(start), nil)
	logging.Debug().Str("source", c.src.Name).Dur("took", time.Since(start)).Msg("Poll cycle complete")
}

// pullPaged walks a list endpoint with limit/offset until a short page
// or the page cap, feeding each raw row to the handler. Handler errors
// on single rows are logged and skipped so one bad record cannot fail
// the pull.
func (c *pollCollector) pullPaged(ctx context.Context, path, entityKey string, handle func(context.Context, json.RawMessage) error) error {
	for page := 0; page < pollMaxPages; page++ {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pollPageLimit))
		params.Set("offset", strconv.Itoa(page*pollPageLimit))

		var raw json.RawMessage
		if err := c.api.getJSON(ctx, path, params, &raw); err != nil {
			return err
		}
		rows, _ := extractEntities(raw, entityKey)
		for _, row := range rows {
			if err := handle(ctx, row); err != nil {
				logging.Debug().Err(err).Str("source", c.src.Name).Str("entity", entityKey).Msg("Row skipped")
			}
		}
		if len(rows) < pollPageLimit {
			return nil
		}
	}
	return nil
}

// extractEntities adapts the two response shapes the upstream may
// return: a bare array, or an envelope object carrying the rows under
// "data" or the entity's own key plus a count/total.
func extractEntities(raw json.RawMessage, entityKey string) ([]json.RawMessage, int64) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows, int64(len(rows))
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, 0
	}
	for _, key := range []string{"data", entityKey} {
		inner, ok := envelope[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &rows); err != nil {
			continue
		}
		total := int64(len(rows))
		for _, countKey := range []string{"total", "count"} {
			if v, ok := envelope[countKey]; ok {
				var n int64
				if err := json.Unmarshal(v, &n); err == nil {
					total = n
					break
				}
			}
		}
		return rows, total
	}
	return nil, 0
}

// pollNode is the REST node row. Field names vary between upstream
// versions; both spellings are tried.
type pollNode struct {
	NodeNum   uint32   `json:"nodeNum"`
	Num       uint32   `json:"num"`
	ShortName *string  `json:"shortName"`
	LongName  *string  `json:"longName"`
	HWModel   *string  `json:"hwModel"`
	Role      *string  `json:"role"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  *int     `json:"altitude"`
	SNR       *float64 `json:"snr"`
	RSSI      *int     `json:"rssi"`
	LastHeard *int64   `json:"lastHeard"`
}

func (c *pollCollector) pullNodes(ctx context.Context) error {
	return c.pullPaged(ctx, "/api/nodes", "nodes", func(ctx context.Context, row json.RawMessage) error {
		var pn pollNode
		if err := json.Unmarshal(row, &pn); err != nil {
			return fmt.Errorf("parse node: %w", err)
		}
		nodeNum := pn.NodeNum
		if nodeNum == 0 {
			nodeNum = pn.Num
		}
		if nodeNum == 0 {
			return fmt.Errorf("node row has no node number")
		}
		node := models.Node{
			SourceID:  c.src.ID,
			NodeNum:   nodeNum,
			ShortName: pn.ShortName,
			LongName:  pn.LongName,
			HWModel:   pn.HWModel,
			Role:      pn.Role,
			Latitude:  pn.Latitude,
			Longitude: pn.Longitude,
			Altitude:  pn.Altitude,
			SNR:       pn.SNR,
			RSSI:      pn.RSSI,
		}
		if pn.LastHeard != nil && *pn.LastHeard > 0 {
			node.LastHeard = timePtr(coerceTime(*pn.LastHeard))
		}
		return c.gw.UpsertNode(ctx, &node)
	})
}

type pollMessage struct {
	PacketID       uint32          `json:"packetId"`
	ID             uint32          `json:"id"`
	FromNodeNum    uint32          `json:"fromNodeNum"`
	From           uint32          `json:"from"`
	ToNodeNum      uint32          `json:"toNodeNum"`
	To             uint32          `json:"to"`
	GatewayNodeNum uint32          `json:"gatewayNodeNum"`
	ChannelName    *string         `json:"channel"`
	Text           string          `json:"text"`
	Message        string          `json:"message"`
	Emoji          json.RawMessage `json:"emoji"`
	ReplyID        *uint32         `json:"replyId"`
	RxTime         int64           `json:"rxTime"`
	Timestamp      int64           `json:"timestamp"`
}

func (c *pollCollector) pullMessages(ctx context.Context) error {
	return c.pullPaged(ctx, "/api/messages", "messages", func(ctx context.Context, row json.RawMessage) error {
		var pm pollMessage
		if err := json.Unmarshal(row, &pm); err != nil {
			return fmt.Errorf("parse message: %w", err)
		}
		msg := models.Message{
			SourceID:       c.src.ID,
			PacketID:       firstNonZero(pm.PacketID, pm.ID),
			GatewayNodeNum: pm.GatewayNodeNum,
			FromNodeNum:    firstNonZero(pm.FromNodeNum, pm.From),
			ToNodeNum:      firstNonZero(pm.ToNodeNum, pm.To),
			ChannelName:    pm.ChannelName,
			Text:           pm.Text,
			ReplyID:        pm.ReplyID,
			RxTime:         coerceTime(firstNonZero64(pm.RxTime, pm.Timestamp)),
		}
		if msg.Text == "" {
			msg.Text = pm.Message
		}
		if e := emojiCodepoint(pm.Emoji); e != 0 {
			ei := int(e)
			msg.Emoji = &ei
		}
		if msg.PacketID == 0 {
			return fmt.Errorf("message row has no packet id")
		}
		added, err := c.gw.InsertMessage(ctx, &msg)
		if err != nil {
			return err
		}
		metrics.RecordUpsert("messages", added)
		return nil
	})
}

func (c *pollCollector) pullTelemetry(ctx context.Context) error {
	return c.pullPaged(ctx, "/api/telemetry", "telemetry", func(ctx context.Context, row json.RawMessage) error {
		return c.storeTelemetryRow(ctx, row)
	})
}

// storeTelemetryRow normalizes one REST telemetry record. Both
// historical shapes run through the registry the same way the
// subscribe path does: the flat {telemetryType, value} pair and the
// legacy nested grouped-metric object.
func (c *pollCollector) storeTelemetryRow(ctx context.Context, row json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(row, &obj); err != nil {
		return fmt.Errorf("parse telemetry row: %w", err)
	}

	nodeNum := nodeNumFromJSON(obj)
	if nodeNum == 0 {
		return fmt.Errorf("telemetry row has no node number")
	}
	_, err := telemetryRowsFromJSON(ctx, c.gw, c.src.ID, nodeNum, time.Now().UTC(), obj)
	return err
}

// nodeNumFromJSON extracts the node reference from a REST row: a
// numeric nodeNum or a "!hex" node id.
func nodeNumFromJSON(obj map[string]json.RawMessage) uint32 {
	if raw, ok := firstPresent(obj, "nodeNum", "node_num", "from"); ok {
		var n uint32
		if err := json.Unmarshal(raw, &n); err == nil && n != 0 {
			return n
		}
	}
	if raw, ok := firstPresent(obj, "nodeId", "node_id"); ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return parseNodeID(s)
		}
	}
	return 0
}

type pollTraceroute struct {
	FromNodeNum uint32            `json:"fromNodeNum"`
	From        uint32            `json:"from"`
	ToNodeNum   uint32            `json:"toNodeNum"`
	To          uint32            `json:"to"`
	Timestamp   int64             `json:"timestamp"`
	RxTime      int64             `json:"rxTime"`
	Route       []json.RawMessage `json:"route"`
	RouteBack   []json.RawMessage `json:"routeBack"`
	SNRTowards  []json.RawMessage `json:"snrTowards"`
	SNRBack     []json.RawMessage `json:"snrBack"`
}

// pullTraceroutes stores REST traceroute rows. The REST source already
// records from = requester, so no role swap happens here.
func (c *pollCollector) pullTraceroutes(ctx context.Context) error {
	return c.pullPaged(ctx, "/api/traceroutes", "traceroutes", func(ctx context.Context, row json.RawMessage) error {
		var pt pollTraceroute
		if err := json.Unmarshal(row, &pt); err != nil {
			return fmt.Errorf("parse traceroute: %w", err)
		}
		tr := models.Traceroute{
			SourceID:    c.src.ID,
			FromNodeNum: firstNonZero(pt.FromNodeNum, pt.From),
			ToNodeNum:   firstNonZero(pt.ToNodeNum, pt.To),
			ReceivedAt:  coerceTime(firstNonZero64(pt.Timestamp, pt.RxTime)),
			SNRTowards:  snrRawToQuarterDB(pt.SNRTowards),
			SNRBack:     snrRawToQuarterDB(pt.SNRBack),
		}
		if tr.FromNodeNum == 0 || tr.ToNodeNum == 0 {
			return fmt.Errorf("traceroute row is missing endpoints")
		}
		var err error
		if tr.Route, err = resolveRouteEntries(ctx, c.gw, c.src.ID, pt.Route); err != nil {
			return err
		}
		if tr.RouteBack, err = resolveRouteEntries(ctx, c.gw, c.src.ID, pt.RouteBack); err != nil {
			return err
		}
		added, err := c.gw.InsertTraceroute(ctx, &tr)
		if err != nil {
			return err
		}
		metrics.RecordUpsert("traceroutes", added)
		return nil
	})
}

func firstNonZero(vals ...uint32) uint32 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonZero64(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
