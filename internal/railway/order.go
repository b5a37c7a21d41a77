package railway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"ticketgrab/internal/ticket/model"
)

var (
	ErrRiskControl      = errors.New("rejected by risk control")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrBusy             = errors.New("site busy")
	ErrSessionPage      = errors.New("order page not understood")
)

// SiteError carries the site's own wording; Kind classifies it.
type SiteError struct {
	Kind error
	Msg  string
}

func (e *SiteError) Error() string { return e.Msg }
func (e *SiteError) Unwrap() error { return e.Kind }

func siteErr(kind error, msg string) error { return &SiteError{Kind: kind, Msg: msg} }

// OrderToken is what the order page hands out for the rest of the handshake.
type OrderToken struct {
	RepeatSubmitToken string
	KeyCheckIsChange  string
	LeftTicketStr     string
	TrainLocation     string
	TourFlag          string
	PurposeCodes      string
	IsAsync           string
	TrainNo           string
	StationTrainCode  string
	FromTelecode      string
	ToTelecode        string
	TrainDate         string // YYYYMMDD
	SeatTypes         string
}

var (
	reRepeatToken = regexp.MustCompile(`var globalRepeatSubmitToken\s*=\s*'([^']+)';`)
	formFields    = map[string]func(*OrderToken) *string{
		"key_check_isChange":    func(t *OrderToken) *string { return &t.KeyCheckIsChange },
		"leftTicketStr":         func(t *OrderToken) *string { return &t.LeftTicketStr },
		"train_location":        func(t *OrderToken) *string { return &t.TrainLocation },
		"tour_flag":             func(t *OrderToken) *string { return &t.TourFlag },
		"purpose_codes":         func(t *OrderToken) *string { return &t.PurposeCodes },
		"isAsync":               func(t *OrderToken) *string { return &t.IsAsync },
		"train_no":              func(t *OrderToken) *string { return &t.TrainNo },
		"station_train_code":    func(t *OrderToken) *string { return &t.StationTrainCode },
		"from_station_telecode": func(t *OrderToken) *string { return &t.FromTelecode },
		"to_station_telecode":   func(t *OrderToken) *string { return &t.ToTelecode },
		"train_date":            func(t *OrderToken) *string { return &t.TrainDate },
		"seat_types":            func(t *OrderToken) *string { return &t.SeatTypes },
	}
	fieldPatterns = func() map[string]*regexp.Regexp {
		m := make(map[string]*regexp.Regexp, len(formFields))
		for k := range formFields {
			m[k] = regexp.MustCompile(`'` + regexp.QuoteMeta(k) + `':'([^']+)'`)
		}
		return m
	}()
)

const formMarker = "var ticketInfoForPassengerForm="

// ParsePurchaseSession extracts the order token from the order page markup.
func ParsePurchaseSession(html string) (OrderToken, error) {
	tok := OrderToken{TourFlag: "dc", PurposeCodes: "00", IsAsync: "1"}
	m := reRepeatToken.FindStringSubmatch(html)
	if m == nil {
		return tok, fmt.Errorf("%w: repeat submit token missing", ErrSessionPage)
	}
	tok.RepeatSubmitToken = m[1]

	start := strings.Index(html, formMarker)
	if start < 0 {
		return tok, fmt.Errorf("%w: passenger form missing", ErrSessionPage)
	}
	start += len(formMarker)
	end := strings.Index(html[start:], "};")
	if end < 0 {
		return tok, fmt.Errorf("%w: passenger form unterminated", ErrSessionPage)
	}
	form := html[start : start+end+1]
	for key, re := range fieldPatterns {
		if fm := re.FindStringSubmatch(form); fm != nil {
			*formFields[key](&tok) = fm[1]
		}
	}
	return tok, nil
}

// Session is one cookie-carrying purchase conversation.
type Session struct {
	c   *Client
	jar *cookiejar.Jar
	hc  *http.Client
}

func (s *Session) hasCookie(name string) bool {
	for _, ck := range s.jar.Cookies(s.c.base) {
		if ck.Name == name {
			return true
		}
	}
	return false
}

func isLoginURL(u *url.URL) bool {
	return u != nil && strings.Contains(u.Path, "login")
}

// SubmitIntent announces the chosen train.
func (s *Session) SubmitIntent(ctx context.Context, t Train) error {
	secret, err := url.QueryUnescape(t.Secret)
	if err != nil {
		secret = t.Secret
	}
	form := url.Values{}
	form.Set("secretStr", secret)
	form.Set("train_date", t.Date)
	form.Set("back_train_date", t.Date)
	form.Set("tour_flag", "dc")
	form.Set("purpose_codes", "ADULT")
	form.Set("query_from_station_name", t.From)
	form.Set("query_to_station_name", t.To)
	form.Set("undefined", "")

	resp, err := s.c.do(ctx, s.hc, http.MethodPost, "/otn/leftTicket/submitOrderRequest", nil, form)
	if err != nil {
		return err
	}
	if resp.status != http.StatusOK {
		return fmt.Errorf("HTTP Error %d", resp.status)
	}
	if isLoginURL(resp.final) {
		return siteErr(ErrNotAuthenticated, "用户未登录或登录已过期")
	}
	env, err := decodeEnvelope(resp.body)
	if err != nil {
		return errors.New("提交订单响应解析失败")
	}
	if !env.Status {
		return errors.New(env.firstMessage("未知错误"))
	}
	return nil
}

// Init opens the order page and reads the token from it.
func (s *Session) Init(ctx context.Context) (OrderToken, error) {
	form := url.Values{"_json_att": {""}}
	resp, err := s.c.do(ctx, s.hc, http.MethodPost, "/otn/confirmPassenger/initDc", nil, form)
	if err != nil {
		return OrderToken{}, err
	}
	if strings.Contains(resp.finalPath(), "error.html") {
		if !s.hasCookie("RAIL_DEVICEID") {
			return OrderToken{}, siteErr(ErrRiskControl, "设备指纹验证失败，请重新获取二维码登录")
		}
		return OrderToken{}, siteErr(ErrRiskControl, "12306 拒绝请求，可能触发风控")
	}
	if isLoginURL(resp.final) {
		return OrderToken{}, siteErr(ErrNotAuthenticated, "用户未登录或登录已过期")
	}
	html := string(resp.body)
	if strings.Contains(html, "网络繁忙") {
		return OrderToken{}, siteErr(ErrBusy, "12306 系统繁忙")
	}
	tok, err := ParsePurchaseSession(html)
	if err == nil {
		return tok, nil
	}
	if strings.Contains(html, "如果您是个人自行注册的用户") {
		return OrderToken{}, siteErr(ErrNotAuthenticated, "登录已过期，请重新登录")
	}
	if !s.hasCookie("RAIL_DEVICEID") {
		return OrderToken{}, siteErr(ErrSessionPage, "设备指纹缺失，请重新获取二维码")
	}
	return OrderToken{}, siteErr(ErrSessionPage, "解析订单页面失败，请重试")
}

type rosterEntry struct {
	Name          string `json:"passenger_name"`
	IDNo          string `json:"passenger_id_no"`
	IDTypeCode    string `json:"passenger_id_type_code"`
	PassengerType string `json:"passenger_type"`
	Mobile        string `json:"mobile_no"`
	EncStr        string `json:"allEncStr"`
	Flag          string `json:"passenger_flag"`
	Index         string `json:"index_id"`
}

type rosterData struct {
	Datas            []rosterEntry `json:"datas"`
	NormalPassengers []rosterEntry `json:"normal_passengers"`
}

// Passengers fetches the account's live passenger roster.
func (s *Session) Passengers(ctx context.Context) ([]model.Passenger, error) {
	form := url.Values{"pageIndex": {"1"}, "pageSize": {"100"}}
	resp, err := s.c.do(ctx, s.hc, http.MethodPost, "/otn/passengers/query", nil, form)
	if err != nil {
		return nil, err
	}
	if isLoginURL(resp.final) {
		return nil, siteErr(ErrNotAuthenticated, "用户登录已过期，请重新登录")
	}
	env, err := decodeEnvelope(resp.body)
	if err != nil {
		return nil, siteErr(ErrNotAuthenticated, "接口响应解析失败(非JSON)，可能是登录已过期")
	}
	var data rosterData
	if env.Status && len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	entries := data.Datas
	if entries == nil {
		entries = data.NormalPassengers
	}
	if !env.Status || entries == nil {
		body := string(resp.body)
		if strings.Contains(body, "未登录") || strings.Contains(body, "noLogin") {
			return nil, siteErr(ErrNotAuthenticated, "用户未登录或登录已过期")
		}
		return nil, errors.New(env.firstMessage("获取乘车人失败"))
	}
	out := make([]model.Passenger, 0, len(entries))
	for _, e := range entries {
		p := model.Passenger{
			Name:          e.Name,
			IDNo:          e.IDNo,
			IDTypeCode:    e.IDTypeCode,
			PassengerType: e.PassengerType,
			Mobile:        e.Mobile,
			EncStr:        e.EncStr,
			Flag:          e.Flag,
			Index:         e.Index,
		}
		out = append(out, p.Normalize())
	}
	return out, nil
}

// PassengerTicketStr encodes the passengers for the check and confirm steps.
func PassengerTicketStr(pax []model.Passenger, seat string) string {
	parts := make([]string, 0, len(pax))
	for _, p := range pax {
		parts = append(parts, strings.Join([]string{
			seat, "0", p.TicketType, p.Name, p.IDTypeCode, p.IDNo, p.Mobile, "N", p.EncStr,
		}, ","))
	}
	return strings.Join(parts, "_")
}

// OldPassengerStr is the legacy passenger encoding; it keeps a trailing "_".
func OldPassengerStr(pax []model.Passenger) string {
	var b strings.Builder
	for _, p := range pax {
		b.WriteString(strings.Join([]string{p.Name, p.IDTypeCode, p.IDNo, p.PassengerType}, ","))
		b.WriteByte('_')
	}
	return b.String()
}

type submitData struct {
	SubmitStatus bool   `json:"submitStatus"`
	ErrMsg       string `json:"errMsg"`
}

func (s *Session) submitStep(ctx context.Context, path string, form url.Values, def string) error {
	resp, err := s.c.do(ctx, s.hc, http.MethodPost, path, nil, form)
	if err != nil {
		return err
	}
	if isLoginURL(resp.final) {
		return siteErr(ErrNotAuthenticated, "用户未登录或登录已过期")
	}
	env, err := decodeEnvelope(resp.body)
	if err != nil {
		return errors.New(def)
	}
	var data submitData
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	if env.Status && data.SubmitStatus {
		return nil
	}
	if data.ErrMsg != "" {
		return errors.New(data.ErrMsg)
	}
	return errors.New(env.firstMessage(def))
}

// CheckOrder validates the passengers and seat against the order page.
func (s *Session) CheckOrder(ctx context.Context, tok OrderToken, pax []model.Passenger, seat string) error {
	form := url.Values{}
	form.Set("cancel_flag", "2")
	form.Set("bed_level_order_num", "000000000000000000000000000000")
	form.Set("passengerTicketStr", PassengerTicketStr(pax, seat))
	form.Set("oldPassengerStr", OldPassengerStr(pax))
	form.Set("tour_flag", tok.TourFlag)
	form.Set("randCode", "")
	form.Set("whatsSelect", "1")
	form.Set("_json_att", "")
	form.Set("REPEAT_SUBMIT_TOKEN", tok.RepeatSubmitToken)
	return s.submitStep(ctx, "/otn/confirmPassenger/checkOrderInfo", form, "校验失败")
}

// QueueInfo is the queue estimate for a seat class.
type QueueInfo struct {
	Tickets int
	Queue   int
}

type queueData struct {
	Ticket string  `json:"ticket"`
	CountT flexInt `json:"countT"`
}

// jsDate renders a YYYYMMDD date the way the site's browser code does.
func jsDate(yyyymmdd string) string {
	d, err := time.Parse("20060102", yyyymmdd)
	if err != nil {
		return yyyymmdd
	}
	return d.Format("Mon Jan 02 2006") + " 00:00:00 GMT+0800 (中国标准时间)"
}

// QueueCount asks how many tickets and queued buyers there are.
func (s *Session) QueueCount(ctx context.Context, tok OrderToken, seat string) (QueueInfo, error) {
	form := url.Values{}
	form.Set("train_date", jsDate(tok.TrainDate))
	form.Set("train_no", tok.TrainNo)
	form.Set("stationTrainCode", tok.StationTrainCode)
	form.Set("seatType", seat)
	form.Set("fromStationTelecode", tok.FromTelecode)
	form.Set("toStationTelecode", tok.ToTelecode)
	form.Set("leftTicket", tok.LeftTicketStr)
	form.Set("purpose_codes", tok.PurposeCodes)
	form.Set("train_location", tok.TrainLocation)
	form.Set("_json_att", "")
	form.Set("REPEAT_SUBMIT_TOKEN", tok.RepeatSubmitToken)

	resp, err := s.c.do(ctx, s.hc, http.MethodPost, "/otn/confirmPassenger/getQueueCount", nil, form)
	if err != nil {
		return QueueInfo{}, err
	}
	env, err := decodeEnvelope(resp.body)
	if err != nil {
		return QueueInfo{}, err
	}
	var data queueData
	if env.Status && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err == nil {
			var qi QueueInfo
			first, _, _ := strings.Cut(data.Ticket, ",")
			qi.Tickets, _ = strconv.Atoi(first)
			qi.Queue = int(data.CountT)
			return qi, nil
		}
	}
	return QueueInfo{}, errors.New(env.firstMessage("获取失败"))
}

// Confirm places the order into the site's queue.
func (s *Session) Confirm(ctx context.Context, tok OrderToken, pax []model.Passenger, seat, chooseSeats string) error {
	form := url.Values{}
	form.Set("passengerTicketStr", PassengerTicketStr(pax, seat))
	form.Set("oldPassengerStr", OldPassengerStr(pax))
	form.Set("randCode", "")
	form.Set("purpose_codes", tok.PurposeCodes)
	form.Set("key_check_isChange", tok.KeyCheckIsChange)
	form.Set("leftTicketStr", tok.LeftTicketStr)
	form.Set("train_location", tok.TrainLocation)
	form.Set("choose_seats", chooseSeats)
	form.Set("seatDetailType", "000")
	form.Set("is_jy", "N")
	form.Set("is_cj", "Y")
	form.Set("encryptedData", "")
	form.Set("whatsSelect", "1")
	form.Set("roomType", "00")
	form.Set("dwAll", "N")
	form.Set("_json_att", "")
	form.Set("REPEAT_SUBMIT_TOKEN", tok.RepeatSubmitToken)
	return s.submitStep(ctx, "/otn/confirmPassenger/confirmSingleForQueue", form, "提交失败")
}

// WaitStatus is one poll of the order queue.
type WaitStatus struct {
	// Known is false when the response carried neither data nor messages.
	Known     bool
	WaitTime  int
	WaitCount int
	OrderID   string
	Message   string
	// Rejected is set when the site answered with an error message only.
	Rejected bool
}

type waitData struct {
	WaitTime  *flexInt `json:"waitTime"`
	WaitCount flexInt  `json:"waitCount"`
	OrderID   *string  `json:"orderId"`
	Msg       string   `json:"msg"`
}

// PollOrder reads the queue state once.
func (s *Session) PollOrder(ctx context.Context, tok OrderToken) (WaitStatus, error) {
	q := url.Values{}
	q.Set("random", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("tourFlag", tok.TourFlag)
	q.Set("_json_att", "")
	q.Set("REPEAT_SUBMIT_TOKEN", tok.RepeatSubmitToken)

	resp, err := s.c.do(ctx, s.hc, http.MethodGet, "/otn/confirmPassenger/queryOrderWaitTime", q, nil)
	if err != nil {
		return WaitStatus{}, err
	}
	env, err := decodeEnvelope(resp.body)
	if err != nil {
		return WaitStatus{}, err
	}
	var data *waitData
	if env.Status && len(env.Data) > 0 && string(env.Data) != "null" {
		data = &waitData{}
		if err := json.Unmarshal(env.Data, data); err != nil {
			return WaitStatus{}, err
		}
	}
	if data == nil {
		if len(env.Messages) > 0 {
			return WaitStatus{Known: true, Rejected: true, Message: env.Messages[0]}, nil
		}
		return WaitStatus{}, nil
	}
	ws := WaitStatus{Known: true, WaitTime: -1, WaitCount: int(data.WaitCount), Message: data.Msg}
	if data.WaitTime != nil {
		ws.WaitTime = int(*data.WaitTime)
	}
	if data.OrderID != nil {
		ws.OrderID = *data.OrderID
	}
	return ws, nil
}
