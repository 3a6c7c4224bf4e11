// Package angelone implements the AngelOne SmartAPI streaming dialect.
//
// The session authenticates through HTTP headers on the WebSocket dial, so
// there is no handshake frame. Control messages (subscribe/unsubscribe) are
// JSON; market data arrives as little-endian binary frames whose layout
// depends on the subscription mode (1=LTP, 2=QUOTE, 3=SNAP_QUOTE with a
// five-level book). Prices travel as integers scaled per exchange segment.
// The server expects a text "ping" heartbeat and answers "pong".
package angelone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marketcalls/feedmux/internal/adapter"
	"github.com/marketcalls/feedmux/internal/config"
	"github.com/marketcalls/feedmux/internal/model"
	"github.com/marketcalls/feedmux/internal/stream"
)

// Name is the registry identifier for this dialect.
const Name = "angelone"

const defaultEndpoint = "wss://smartapisocket.angelone.in/smart-stream"

const (
	actionSubscribe   = 1
	actionUnsubscribe = 0
)

// Binary frame sizes per mode.
const (
	ltpFrameLen   = 51
	quoteFrameLen = 123
	depthFrameLen = 379
)

var exchangeCodes = map[string]uint8{
	"NSE": 1,
	"NFO": 2,
	"BSE": 3,
	"BFO": 4,
	"MCX": 5,
	"NCX": 7,
	"CDS": 13,
}

var exchangeNames = func() map[uint8]string {
	names := make(map[uint8]string, len(exchangeCodes))
	for name, code := range exchangeCodes {
		names[code] = name
	}
	return names
}()

func init() {
	adapter.Register(Name, func(cfg config.BrokerConfig) (adapter.Dialect, error) {
		return New(cfg)
	})
}

// dialect holds the session credentials and the instrument token map.
type dialect struct {
	clientCode  string
	apiKey      string
	jwt         string
	feedToken   string
	endpoints   []string
	instruments map[string]string // "EXCHANGE:SYMBOL" -> token
}

// New builds the dialect from broker configuration. Credentials: "jwt",
// "api_key", "feed_token" (all required), "client_code" (defaults to the
// user id).
func New(cfg config.BrokerConfig) (*dialect, error) {
	jwt := cfg.Credentials["jwt"]
	apiKey := cfg.Credentials["api_key"]
	feedToken := cfg.Credentials["feed_token"]
	if jwt == "" || apiKey == "" || feedToken == "" {
		return nil, fmt.Errorf("angelone: credentials jwt, api_key and feed_token are required")
	}
	clientCode := cfg.Credentials["client_code"]
	if clientCode == "" {
		clientCode = cfg.UserID
	}
	if clientCode == "" {
		return nil, fmt.Errorf("angelone: user_id or credentials.client_code is required")
	}
	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{defaultEndpoint}
	}

	return &dialect{
		clientCode:  clientCode,
		apiKey:      apiKey,
		jwt:         jwt,
		feedToken:   feedToken,
		endpoints:   endpoints,
		instruments: cfg.Instruments,
	}, nil
}

func (d *dialect) Name() string { return Name }

func (d *dialect) Endpoints() []string { return d.endpoints }

// DialHeader carries the full authentication set; the server accepts or
// drops the socket based on these alone.
func (d *dialect) DialHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+d.jwt)
	h.Set("x-api-key", d.apiKey)
	h.Set("x-client-code", d.clientCode)
	h.Set("x-feed-token", d.feedToken)
	return h
}

// HandshakeFrames: none; header auth means the session is up at dial.
func (d *dialect) HandshakeFrames() ([][]byte, error) { return nil, nil }

func (d *dialect) AwaitHandshake([]byte) (bool, error) { return true, nil }

// Instrument maps a key to its broker identity.
func (d *dialect) Instrument(key model.SubscriptionKey) (string, string, error) {
	if _, ok := exchangeCodes[key.Exchange]; !ok {
		return "", "", fmt.Errorf("angelone: unsupported exchange %q", key.Exchange)
	}
	if token, ok := d.instruments[key.Exchange+":"+key.Symbol]; ok {
		return key.Exchange, token, nil
	}
	return key.Exchange, key.Symbol, nil
}

// request is the JSON control message for subscribe and unsubscribe.
type request struct {
	CorrelationID string `json:"correlationID"`
	Action        int    `json:"action"`
	Params        struct {
		Mode      int         `json:"mode"`
		TokenList []tokenList `json:"tokenList"`
	} `json:"params"`
}

type tokenList struct {
	ExchangeType uint8    `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// SubscribeFrames renders one request per mode; each request batches every
// exchange segment of that mode.
func (d *dialect) SubscribeFrames(keys []model.SubscriptionKey) ([][]byte, error) {
	return d.requestFrames(actionSubscribe, keys)
}

// UnsubscribeFrames renders unsubscribe requests. AngelOne subscriptions are
// keyed by (mode, token) on the broker side, so keep never overlaps drop.
func (d *dialect) UnsubscribeFrames(drop, _ []model.SubscriptionKey) ([][]byte, error) {
	return d.requestFrames(actionUnsubscribe, drop)
}

func (d *dialect) requestFrames(action int, keys []model.SubscriptionKey) ([][]byte, error) {
	type group struct {
		mode     model.Mode
		exchType uint8
	}
	tokens := make(map[group][]string)
	for _, key := range keys {
		exch, token, err := d.Instrument(key)
		if err != nil {
			return nil, err
		}
		g := group{mode: key.Mode, exchType: exchangeCodes[exch]}
		tokens[g] = append(tokens[g], token)
	}

	modes := make(map[model.Mode][]tokenList)
	for g, toks := range tokens {
		sort.Strings(toks)
		modes[g.mode] = append(modes[g.mode], tokenList{ExchangeType: g.exchType, Tokens: toks})
	}

	orderedModes := make([]model.Mode, 0, len(modes))
	for mode := range modes {
		orderedModes = append(orderedModes, mode)
	}
	sort.Slice(orderedModes, func(i, j int) bool { return orderedModes[i] < orderedModes[j] })

	var frames [][]byte
	for _, mode := range orderedModes {
		lists := modes[mode]
		sort.Slice(lists, func(i, j int) bool { return lists[i].ExchangeType < lists[j].ExchangeType })

		req := request{
			CorrelationID: uuid.NewString()[:8],
			Action:        action,
		}
		req.Params.Mode = int(mode)
		req.Params.TokenList = lists

		frame, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Heartbeat: the server drops silent sessions; it wants a literal "ping".
func (d *dialect) Heartbeat() []byte { return []byte("ping") }

// Parse decodes one frame: binary frames are ticks, text frames are either
// the heartbeat answer or a JSON error notice.
func (d *dialect) Parse(msg stream.TimestampedMessage) (adapter.Event, error) {
	if msg.Binary {
		return d.parseTick(msg.Data)
	}
	return d.parseText(msg.Data)
}

func (d *dialect) parseText(data []byte) (adapter.Event, error) {
	if bytes.Equal(data, []byte("pong")) {
		return adapter.Event{Kind: adapter.EventIgnore}, nil
	}

	var notice struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(data, &notice); err != nil {
		return adapter.Event{}, fmt.Errorf("unexpected text frame: %.60s", data)
	}
	if notice.ErrorCode != "" {
		return adapter.Event{
			Kind:   adapter.EventAck,
			OK:     false,
			Reason: notice.ErrorCode + ": " + notice.ErrorMessage,
		}, nil
	}
	return adapter.Event{Kind: adapter.EventIgnore}, nil
}

// parseTick decodes a binary tick. Every frame is a full record for its
// mode, so they land as snapshots.
func (d *dialect) parseTick(data []byte) (adapter.Event, error) {
	if len(data) < ltpFrameLen {
		return adapter.Event{}, fmt.Errorf("tick frame too short: %d bytes", len(data))
	}

	mode := model.Mode(data[0])
	if !mode.Valid() {
		return adapter.Event{}, fmt.Errorf("tick frame with unknown mode %d", data[0])
	}

	exchName, ok := exchangeNames[data[1]]
	if !ok {
		return adapter.Event{}, fmt.Errorf("tick frame with unknown exchange code %d", data[1])
	}

	token := string(bytes.TrimRight(data[2:27], "\x00"))
	exp := priceExponent(data[1])

	u := &model.TickUpdate{
		Kind:     model.KindSnapshot,
		Exchange: exchName,
		Token:    token,
	}

	ts := int64(binary.LittleEndian.Uint64(data[35:43]))
	u.ExchangeTS = &ts

	ltp := scaledPrice(data[43:51], exp)
	u.LTP = &ltp

	if mode >= model.ModeQuote {
		if len(data) < quoteFrameLen {
			return adapter.Event{}, fmt.Errorf("quote frame too short: %d bytes", len(data))
		}
		lastQty := int64(binary.LittleEndian.Uint64(data[51:59]))
		u.LastQty = &lastQty

		avg := scaledPrice(data[59:67], exp)
		u.AvgPrice = &avg

		volume := int64(binary.LittleEndian.Uint64(data[67:75]))
		u.Volume = &volume

		buyQty := int64(math.Round(math.Float64frombits(binary.LittleEndian.Uint64(data[75:83]))))
		u.TotalBuyQty = &buyQty
		sellQty := int64(math.Round(math.Float64frombits(binary.LittleEndian.Uint64(data[83:91]))))
		u.TotalSellQty = &sellQty

		open := scaledPrice(data[91:99], exp)
		u.Open = &open
		high := scaledPrice(data[99:107], exp)
		u.High = &high
		low := scaledPrice(data[107:115], exp)
		u.Low = &low
		closep := scaledPrice(data[115:123], exp)
		u.Close = &closep
	}

	if mode == model.ModeDepth {
		if len(data) < depthFrameLen {
			return adapter.Event{}, fmt.Errorf("depth frame too short: %d bytes", len(data))
		}
		u.Bids, u.Asks = parseBook(data[147:347], exp)
	}

	return adapter.Event{
		Kind:   adapter.EventSnapshot,
		Modes:  []model.Mode{mode},
		Update: u,
	}, nil
}

// parseBook decodes the ten 20-byte best-five packets: buy/sell flag
// (int16), quantity (int64), price (int64), order count (int16).
func parseBook(data []byte, exp int32) (bids, asks []model.DepthLevel) {
	for i := 0; i < 10; i++ {
		packet := data[i*20 : (i+1)*20]
		flag := binary.LittleEndian.Uint16(packet[0:2])
		qty := int64(binary.LittleEndian.Uint64(packet[2:10]))
		price := int64(binary.LittleEndian.Uint64(packet[10:18]))
		orders := int64(binary.LittleEndian.Uint16(packet[18:20]))

		level := model.DepthLevel{
			Price:    decimal.New(price, exp),
			Quantity: qty,
			Orders:   orders,
		}
		if flag == 1 {
			bids = append(bids, level)
		} else {
			asks = append(asks, level)
		}
	}
	return bids, asks
}

// priceExponent: currency derivatives quote in 1e-7 units, everything else
// in paise.
func priceExponent(exchType uint8) int32 {
	if exchType == exchangeCodes["CDS"] {
		return -7
	}
	return -2
}

func scaledPrice(b []byte, exp int32) decimal.Decimal {
	return decimal.New(int64(binary.LittleEndian.Uint64(b)), exp)
}
