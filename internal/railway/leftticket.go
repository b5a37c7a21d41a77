package railway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	logx "ticketgrab/pkg/logx"
)

// ErrQueryFailed wraps every transport or decoding failure of a left-ticket
// query.
var ErrQueryFailed = errors.New("left ticket query failed")

// NoData is shown for a seat class a train does not sell.
const NoData = "--"

// Train is one row of a left-ticket query.
type Train struct {
	TrainNo      string `json:"train_no"`
	Code         string `json:"code"`
	StartStation string `json:"start_station"`
	EndStation   string `json:"end_station"`
	From         string `json:"from"`
	To           string `json:"to"`
	FromCode     string `json:"from_code"`
	ToCode       string `json:"to_code"`
	DepartTime   string `json:"depart_time"`
	ArriveTime   string `json:"arrive_time"`
	Duration     string `json:"duration"`
	CanBuy       bool   `json:"can_buy"`
	Date         string `json:"date"`
	Remark       string `json:"remark,omitempty"`
	SupportCard  bool   `json:"support_card"`
	// Secret is the opaque purchase token of the row, still URL-escaped.
	Secret string `json:"-"`
	// Seats maps a seat class code to the raw count ("有", "无", "12", "--").
	Seats map[string]string `json:"seats"`
}

// Seat returns the raw count for code, NoData when absent.
func (t Train) Seat(code string) string {
	if v, ok := t.Seats[code]; ok && v != "" {
		return v
	}
	return NoData
}

// seatColumns is the position of each seat class in a result row.
var seatColumns = map[string]int{
	"9":  32,
	"P":  25,
	"M":  31,
	"O":  30,
	"6":  21,
	"4":  23,
	"3":  28,
	"2":  24,
	"1":  29,
	"WZ": 26,
}

const minRowFields = 35

// ParseRow decodes one pipe-delimited result row. names maps telecodes to
// station names. Rows with too few fields are rejected.
func ParseRow(row string, names map[string]string, date string) (Train, bool) {
	p := strings.Split(row, "|")
	if len(p) < minRowFields {
		return Train{}, false
	}
	name := func(code string) string {
		if n, ok := names[code]; ok && n != "" {
			return n
		}
		return code
	}
	t := Train{
		Secret:       p[0],
		Remark:       p[1],
		TrainNo:      p[2],
		Code:         p[3],
		StartStation: name(p[4]),
		EndStation:   name(p[5]),
		FromCode:     p[6],
		ToCode:       p[7],
		From:         name(p[6]),
		To:           name(p[7]),
		DepartTime:   p[8],
		ArriveTime:   p[9],
		Duration:     p[10],
		CanBuy:       p[11] == "Y",
		SupportCard:  p[18] == "1",
		Date:         date,
		Seats:        make(map[string]string, len(seatColumns)),
	}
	for code, idx := range seatColumns {
		v := p[idx]
		if v == "" {
			v = NoData
		}
		t.Seats[code] = v
	}
	return t, true
}

type leftTicketData struct {
	Result []string          `json:"result"`
	Map    map[string]string `json:"map"`
}

// ParseLeftTickets decodes a query response body. Malformed rows are
// skipped; a rejected query is an error.
func ParseLeftTickets(body []byte, date string) ([]Train, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	if !env.Status {
		return nil, fmt.Errorf("query rejected: %s", env.firstMessage("unknown reason"))
	}
	var data leftTicketData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	out := make([]Train, 0, len(data.Result))
	for _, row := range data.Result {
		if t, ok := ParseRow(row, data.Map, date); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

const defaultQueryPath = "leftTicket/queryG"

var reQueryURL = regexp.MustCompile(`var CLeftTicketUrl\s*=\s*'([^']+)'`)

type pathCache struct {
	mu   sync.Mutex
	path string
}

func (p *pathCache) get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.path
}

func (p *pathCache) set(v string) {
	p.mu.Lock()
	p.path = v
	p.mu.Unlock()
}

// queryEndpoint discovers the rotating query path from the init page. It
// falls back to the last known default when the page does not say.
func (c *Client) queryEndpoint(ctx context.Context) string {
	if p := c.queryPath.get(); p != "" {
		return p
	}
	path := defaultQueryPath
	resp, err := c.do(ctx, c.hc, http.MethodGet, "/otn/leftTicket/init", nil, nil)
	if err != nil {
		c.log.Debug("query path discovery failed", logx.Err(err))
	} else if m := reQueryURL.FindSubmatch(resp.body); m != nil {
		path = string(m[1])
	}
	c.queryPath.set(path)
	return path
}

// LeftTickets queries one day between two telecodes.
func (c *Client) LeftTickets(ctx context.Context, date, fromCode, toCode string) ([]Train, error) {
	path := c.queryEndpoint(ctx)
	q := url.Values{}
	q.Set("leftTicketDTO.train_date", date)
	q.Set("leftTicketDTO.from_station", fromCode)
	q.Set("leftTicketDTO.to_station", toCode)
	q.Set("purpose_codes", "ADULT")

	resp, err := c.do(ctx, c.hc, http.MethodGet, "/otn/"+path, q, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if resp.status != http.StatusOK {
		c.queryPath.set("")
		return nil, fmt.Errorf("%w: http %d", ErrQueryFailed, resp.status)
	}
	trains, err := ParseLeftTickets(resp.body, date)
	if err != nil {
		if errors.Is(err, errNotJSON) {
			// The path rotated under us; rediscover on the next query.
			c.queryPath.set("")
		}
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return trains, nil
}

// FetchStations downloads the station table from the site.
func (c *Client) FetchStations(ctx context.Context) ([]Station, error) {
	resp, err := c.do(ctx, c.hc, http.MethodGet, "/otn/resources/js/framework/station_name.js", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch stations: %w", err)
	}
	if resp.status != http.StatusOK {
		return nil, fmt.Errorf("fetch stations: http %d", resp.status)
	}
	st := ParseStations(string(resp.body))
	if len(st) == 0 {
		return nil, ErrNoStations
	}
	return st, nil
}
