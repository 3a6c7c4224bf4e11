// Package flattrade implements the Flattrade (Noren) streaming dialect.
//
// The wire format is JSON with a one-letter "t" discriminator: "c"/"ck" for
// the session handshake, "t"/"tk"/"tf" for touchline, "d"/"dk"/"df" for
// depth, "u"/"ud" for unsubscribes. Every numeric field arrives as a string.
// The first frame after a subscribe ("tk"/"dk") is a full snapshot; later
// frames ("tf"/"df") carry only the fields that changed.
package flattrade

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/marketcalls/feedmux/internal/adapter"
	"github.com/marketcalls/feedmux/internal/config"
	"github.com/marketcalls/feedmux/internal/model"
	"github.com/marketcalls/feedmux/internal/stream"
)

// Name is the registry identifier for this dialect.
const Name = "flattrade"

const defaultEndpoint = "wss://piconnect.flattrade.in/PiConnectWSTp/"

func init() {
	adapter.Register(Name, func(cfg config.BrokerConfig) (adapter.Dialect, error) {
		return New(cfg)
	})
}

// dialect holds the account identity and the instrument token map.
type dialect struct {
	uid         string
	actid       string
	token       string
	endpoints   []string
	instruments map[string]string // "EXCHANGE:SYMBOL" -> token
}

// New builds the dialect from broker configuration. Credentials: "token"
// (session token, required), "account_id" (defaults to the user id).
func New(cfg config.BrokerConfig) (*dialect, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("flattrade: user_id is required")
	}
	token := cfg.Credentials["token"]
	if token == "" {
		return nil, fmt.Errorf("flattrade: credentials.token is required")
	}
	actid := cfg.Credentials["account_id"]
	if actid == "" {
		actid = cfg.UserID
	}
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{defaultEndpoint}
	}

	return &dialect{
		uid:         cfg.UserID,
		actid:       actid,
		token:       token,
		endpoints:   endpoints,
		instruments: cfg.Instruments,
	}, nil
}

func (d *dialect) Name() string { return Name }

func (d *dialect) Endpoints() []string { return d.endpoints }

func (d *dialect) DialHeader() http.Header { return nil }

// connectRequest is the first frame of every session.
type connectRequest struct {
	T      string `json:"t"`
	UID    string `json:"uid"`
	ActID  string `json:"actid"`
	Source string `json:"source"`
	Token  string `json:"susertoken"`
}

// HandshakeFrames opens the session with the "c" connect request.
func (d *dialect) HandshakeFrames() ([][]byte, error) {
	frame, err := json.Marshal(connectRequest{
		T:      "c",
		UID:    d.uid,
		ActID:  d.actid,
		Source: "API",
		Token:  d.token,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// AwaitHandshake waits for the "ck" acknowledgement.
func (d *dialect) AwaitHandshake(data []byte) (bool, error) {
	var ack struct {
		T string `json:"t"`
		S string `json:"s"`
	}
	if err := json.Unmarshal(data, &ack); err != nil {
		return false, nil // not the ack; keep waiting
	}
	if ack.T != "ck" {
		return false, nil
	}
	if !strings.EqualFold(ack.S, "OK") {
		return false, fmt.Errorf("connect rejected: %s", ack.S)
	}
	return true, nil
}

// Instrument maps a key to its broker identity. Unmapped symbols pass
// through unchanged, which covers index feeds addressed by name.
func (d *dialect) Instrument(key model.SubscriptionKey) (string, string, error) {
	if token, ok := d.instruments[key.Exchange+":"+key.Symbol]; ok {
		return key.Exchange, token, nil
	}
	return key.Exchange, key.Symbol, nil
}

// SubscribeFrames batches keys into at most two requests: one touchline
// ("t") for LTP and quote keys, one depth ("d") for depth keys. The k field
// is a '#'-joined EXCHANGE|TOKEN list.
func (d *dialect) SubscribeFrames(keys []model.SubscriptionKey) ([][]byte, error) {
	touch, depth, err := d.scrips(keys)
	if err != nil {
		return nil, err
	}

	var frames [][]byte
	if len(touch) > 0 {
		frame, err := json.Marshal(map[string]string{"t": "t", "k": strings.Join(touch, "#")})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	if len(depth) > 0 {
		frame, err := json.Marshal(map[string]string{"t": "d", "k": strings.Join(depth, "#")})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// UnsubscribeFrames drops broker subscriptions that no kept key still needs.
// Touchline is shared by LTP and quote keys, so the feed stays alive while
// any of them remains.
func (d *dialect) UnsubscribeFrames(drop, keep []model.SubscriptionKey) ([][]byte, error) {
	dropTouch, dropDepth, err := d.scrips(drop)
	if err != nil {
		return nil, err
	}
	keepTouch, keepDepth, err := d.scrips(keep)
	if err != nil {
		return nil, err
	}

	touch := subtract(dropTouch, keepTouch)
	depth := subtract(dropDepth, keepDepth)

	var frames [][]byte
	if len(touch) > 0 {
		frame, err := json.Marshal(map[string]string{"t": "u", "k": strings.Join(touch, "#")})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	if len(depth) > 0 {
		frame, err := json.Marshal(map[string]string{"t": "ud", "k": strings.Join(depth, "#")})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// scrips splits keys into deduplicated touchline and depth scrip lists.
func (d *dialect) scrips(keys []model.SubscriptionKey) (touch, depth []string, err error) {
	touchSet := make(map[string]struct{})
	depthSet := make(map[string]struct{})
	for _, key := range keys {
		exch, token, err := d.Instrument(key)
		if err != nil {
			return nil, nil, err
		}
		scrip := exch + "|" + token
		if key.Mode == model.ModeDepth {
			depthSet[scrip] = struct{}{}
		} else {
			touchSet[scrip] = struct{}{}
		}
	}
	for s := range touchSet {
		touch = append(touch, s)
	}
	for s := range depthSet {
		depth = append(depth, s)
	}
	sort.Strings(touch)
	sort.Strings(depth)
	return touch, depth, nil
}

func subtract(from, remove []string) []string {
	if len(remove) == 0 {
		return from
	}
	keep := make(map[string]struct{}, len(remove))
	for _, s := range remove {
		keep[s] = struct{}{}
	}
	var out []string
	for _, s := range from {
		if _, held := keep[s]; !held {
			out = append(out, s)
		}
	}
	return out
}

// Heartbeat: the server pushes data and acks on its own; websocket ping
// control frames keep the session alive.
func (d *dialect) Heartbeat() []byte { return nil }

// tickFrame covers every inbound data frame; all numerics are strings and
// absent fields decode to "".
type tickFrame struct {
	T  string `json:"t"`
	E  string `json:"e"`
	Tk string `json:"tk"`
	Ts string `json:"ts"`
	Lp string `json:"lp"`
	O  string `json:"o"`
	H  string `json:"h"`
	L  string `json:"l"`
	C  string `json:"c"`
	V  string `json:"v"`
	Ap string `json:"ap"`
	Lq string `json:"ltq"`
	Ft string `json:"ft"`

	Tbq string `json:"tbq"`
	Tsq string `json:"tsq"`

	// Depth levels, synthesized from the flat bp1..so5 members.
	Bp [5]string `json:"-"`
	Bq [5]string `json:"-"`
	Bo [5]string `json:"-"`
	Sp [5]string `json:"-"`
	Sq [5]string `json:"-"`
	So [5]string `json:"-"`
}

// UnmarshalJSON decodes the flat bp1..so5 depth fields into arrays.
func (f *tickFrame) UnmarshalJSON(data []byte) error {
	type plain tickFrame
	if err := json.Unmarshal(data, (*plain)(f)); err != nil {
		return err
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		// Frames with non-string members (none known) still parsed above.
		return nil
	}
	for i := 0; i < 5; i++ {
		n := strconv.Itoa(i + 1)
		f.Bp[i] = raw["bp"+n]
		f.Bq[i] = raw["bq"+n]
		f.Bo[i] = raw["bo"+n]
		f.Sp[i] = raw["sp"+n]
		f.Sq[i] = raw["sq"+n]
		f.So[i] = raw["so"+n]
	}
	return nil
}

var (
	touchlineModes = []model.Mode{model.ModeLTP, model.ModeQuote}
	depthModes     = []model.Mode{model.ModeDepth}
)

// Parse classifies one frame. "tk"/"dk" acks double as full snapshots;
// "tf"/"df" are deltas carrying only changed fields.
func (d *dialect) Parse(msg stream.TimestampedMessage) (adapter.Event, error) {
	var frame tickFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		return adapter.Event{}, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.T {
	case "tk":
		return d.tickEvent(&frame, adapter.EventSnapshot, touchlineModes)
	case "tf":
		return d.tickEvent(&frame, adapter.EventDelta, touchlineModes)
	case "dk":
		return d.tickEvent(&frame, adapter.EventSnapshot, depthModes)
	case "df":
		return d.tickEvent(&frame, adapter.EventDelta, depthModes)
	case "uk", "udk":
		return adapter.Event{Kind: adapter.EventAck, OK: true}, nil
	case "ck":
		// Handshake ack arriving outside the handshake window.
		return adapter.Event{Kind: adapter.EventIgnore}, nil
	case "":
		return adapter.Event{}, fmt.Errorf("frame without type: %.40s", msg.Data)
	default:
		return adapter.Event{Kind: adapter.EventIgnore}, nil
	}
}

func (d *dialect) tickEvent(f *tickFrame, kind adapter.EventKind, modes []model.Mode) (adapter.Event, error) {
	if f.E == "" || f.Tk == "" {
		return adapter.Event{}, fmt.Errorf("tick frame without instrument identity")
	}

	u := &model.TickUpdate{
		Exchange: f.E,
		Token:    f.Tk,
	}
	if kind == adapter.EventSnapshot {
		u.Kind = model.KindSnapshot
	} else {
		u.Kind = model.KindDelta
	}

	u.LTP = parsePrice(f.Lp)
	u.Open = parsePrice(f.O)
	u.High = parsePrice(f.H)
	u.Low = parsePrice(f.L)
	u.Close = parsePrice(f.C)
	u.AvgPrice = parsePrice(f.Ap)
	u.Volume = parseQty(f.V)
	u.LastQty = parseQty(f.Lq)
	u.TotalBuyQty = parseQty(f.Tbq)
	u.TotalSellQty = parseQty(f.Tsq)

	if f.Ft != "" {
		if secs, err := strconv.ParseInt(f.Ft, 10, 64); err == nil {
			ms := secs * 1000
			u.ExchangeTS = &ms
		}
	}

	u.Bids = parseDepth(f.Bp, f.Bq, f.Bo)
	u.Asks = parseDepth(f.Sp, f.Sq, f.So)

	return adapter.Event{Kind: kind, Modes: modes, Update: u}, nil
}

func parsePrice(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &v
}

func parseQty(s string) *int64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseDepth builds the ladder from whatever levels the frame carries.
// Depth deltas resend the whole ladder, so a frame with any level present
// replaces the cached book.
func parseDepth(prices, qtys, orders [5]string) []model.DepthLevel {
	var levels []model.DepthLevel
	for i := 0; i < 5; i++ {
		if prices[i] == "" && qtys[i] == "" {
			continue
		}
		level := model.DepthLevel{}
		if p := parsePrice(prices[i]); p != nil {
			level.Price = *p
		}
		if q := parseQty(qtys[i]); q != nil {
			level.Quantity = *q
		}
		if o := parseQty(orders[i]); o != nil {
			level.Orders = *o
		}
		levels = append(levels, level)
	}
	return levels
}
