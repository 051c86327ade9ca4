// Package broker
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// KIS transaction ids for the domestic-stock cash account endpoints.
const (
	trPrice       = "FHKST01010100"
	trOrderBook   = "FHKST01010200"
	trMinuteChart = "FHKST03010200"
	trBalance     = "TTTC8434R"
	trBuyCash     = "TTTC0802U"
	trSellCash    = "TTTC0801U"
	trCancel      = "TTTC0803U"
	trOpenOrders  = "TTTC8036R"
	trDailyOrders = "TTTC8001R"
)

// KISConfig carries the credentials for the KIS OpenAPI.
type KISConfig struct {
	BaseURL   string // https://openapi.koreainvestment.com:9443
	AppKey    string
	AppSecret string
	Account   string // CANO + ACNT_PRDT_CD, e.g. "12345678-01"
}

// KIS is the live Gateway over the Korea Investment & Securities REST API.
// All numeric fields come back as strings on the wire; parsing failures on
// a single row skip the row rather than failing the whole call.
type KIS struct {
	cfg    KISConfig
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewKIS(cfg KISConfig) *KIS {
	return &KIS{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (k *KIS) accountParts() (cano, prdt string) {
	parts := strings.SplitN(k.cfg.Account, "-", 2)
	cano = parts[0]
	prdt = "01"
	if len(parts) == 2 {
		prdt = parts[1]
	}
	return cano, prdt
}

// token returns a valid access token, refreshing when within a minute of
// expiry. KIS tokens live 24h; issuing too often gets rate limited, so
// the cached one is reused across calls.
func (k *KIS) token(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.accessToken != "" && time.Until(k.tokenExpiry) > time.Minute {
		return k.accessToken, nil
	}

	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     k.cfg.AppKey,
		"appsecret":  k.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.cfg.BaseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return "", NewError(Transient, "token", "building token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return "", NewError(Transient, "token", "token request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", NewError(Transient, "token", fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", NewError(Transient, "token", "decoding token response", err)
	}
	k.accessToken = out.AccessToken
	k.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return k.accessToken, nil
}

// call performs one authenticated API call and decodes into out. Query
// params go on GETs, body on POSTs.
func (k *KIS) call(ctx context.Context, method, path, trID string, params url.Values, body any, out any) error {
	tok, err := k.token(ctx)
	if err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	u := k.cfg.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return NewError(Transient, trID, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+tok)
	req.Header.Set("appkey", k.cfg.AppKey)
	req.Header.Set("appsecret", k.cfg.AppSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	resp, err := k.client.Do(req)
	if err != nil {
		return NewError(Transient, trID, "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(Transient, trID, "reading response", err)
	}
	if resp.StatusCode >= 500 {
		return NewError(Transient, trID, fmt.Sprintf("server error %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return NewError(Permanent, trID, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw, 200)), nil)
	}

	// Every KIS response carries rt_cd: "0" is success, anything else is a
	// business rejection with msg1 explaining why.
	var envelope struct {
		RtCd string `json:"rt_cd"`
		Msg  string `json:"msg1"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return NewError(Transient, trID, "decoding envelope", err)
	}
	if envelope.RtCd != "0" {
		return NewError(Permanent, trID, strings.TrimSpace(envelope.Msg), nil)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return NewError(Transient, trID, "decoding response", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func (k *KIS) CurrentPrice(ctx context.Context, symbol string) (int64, error) {
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
	}
	var out struct {
		Output struct {
			Price string `json:"stck_prpr"`
		} `json:"output"`
	}
	if err := k.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-price", trPrice, params, nil, &out); err != nil {
		return 0, err
	}
	price, err := strconv.ParseInt(strings.TrimSpace(out.Output.Price), 10, 64)
	if err != nil {
		return 0, NewError(Transient, trPrice, "unparsable price "+out.Output.Price, err)
	}
	return price, nil
}

func (k *KIS) OrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
	}
	// askp1..askp10 / bidp1..bidp10 with matching _rsqn volumes arrive as
	// flat fields; decode generically and pick them out by name.
	var out struct {
		Output map[string]string `json:"output1"`
	}
	if err := k.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn", trOrderBook, params, nil, &out); err != nil {
		return OrderBook{}, err
	}

	book := OrderBook{Symbol: symbol}
	for i := 1; i <= 10; i++ {
		if q, ok := quoteAt(out.Output, "askp", i); ok {
			book.Asks = append(book.Asks, q)
		}
		if q, ok := quoteAt(out.Output, "bidp", i); ok {
			book.Bids = append(book.Bids, q)
		}
	}
	return book, nil
}

func quoteAt(fields map[string]string, prefix string, i int) (Quote, bool) {
	price, err1 := strconv.ParseInt(fields[fmt.Sprintf("%s%d", prefix, i)], 10, 64)
	qty, err2 := strconv.ParseInt(fields[fmt.Sprintf("%s_rsqn%d", prefix, i)], 10, 64)
	if err1 != nil || err2 != nil || price <= 0 {
		return Quote{}, false
	}
	return Quote{Price: price, Quantity: qty}, true
}

func (k *KIS) RecentCandles(ctx context.Context, symbol string, n int) ([]Candle, error) {
	now := time.Now().In(time.FixedZone("KST", 9*60*60))
	params := url.Values{
		"FID_ETC_CLS_CODE":       {""},
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {symbol},
		"FID_INPUT_HOUR_1":       {now.Format("150405")},
		"FID_PW_DATA_INCU_YN":    {"N"},
	}
	var out struct {
		Rows []struct {
			Date   string `json:"stck_bsop_date"`
			Time   string `json:"stck_cntg_hour"`
			Open   string `json:"stck_oprc"`
			High   string `json:"stck_hgpr"`
			Low    string `json:"stck_lwpr"`
			Close  string `json:"stck_prpr"`
			Volume string `json:"cntg_vol"`
		} `json:"output2"`
	}
	if err := k.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/quotations/inquire-time-itemchartprice", trMinuteChart, params, nil, &out); err != nil {
		return nil, err
	}

	// API returns newest first; callers expect oldest first.
	var candles []Candle
	for i := len(out.Rows) - 1; i >= 0; i-- {
		row := out.Rows[i]
		ts, err := time.ParseInLocation("20060102150405", row.Date+row.Time, now.Location())
		if err != nil {
			continue
		}
		c := Candle{
			Timestamp: ts,
			Open:      parseF(row.Open),
			High:      parseF(row.High),
			Low:       parseF(row.Low),
			Close:     parseF(row.Close),
			Volume:    parseF(row.Volume),
		}
		if c.Close <= 0 {
			continue
		}
		candles = append(candles, c)
	}
	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return candles, nil
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func (k *KIS) Holdings(ctx context.Context) ([]Holding, error) {
	rows, _, err := k.balance(ctx)
	return rows, err
}

func (k *KIS) Balance(ctx context.Context) (Balance, error) {
	_, bal, err := k.balance(ctx)
	return bal, err
}

func (k *KIS) balance(ctx context.Context) ([]Holding, Balance, error) {
	cano, prdt := k.accountParts()
	params := url.Values{
		"CANO":                  {cano},
		"ACNT_PRDT_CD":          {prdt},
		"AFHR_FLPR_YN":          {"N"},
		"OFL_YN":                {""},
		"INQR_DVSN":             {"02"},
		"UNPR_DVSN":             {"01"},
		"FUND_STTL_ICLD_YN":     {"N"},
		"FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN":             {"00"},
		"CTX_AREA_FK100":        {""},
		"CTX_AREA_NK100":        {""},
	}
	var out struct {
		Rows []struct {
			Symbol   string `json:"pdno"`
			Quantity string `json:"hldg_qty"`
			AvgPrice string `json:"pchs_avg_pric"`
		} `json:"output1"`
		Summary []struct {
			Cash      string `json:"dnca_tot_amt"`
			TotalEval string `json:"tot_evlu_amt"`
		} `json:"output2"`
	}
	if err := k.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-balance", trBalance, params, nil, &out); err != nil {
		return nil, Balance{}, err
	}

	var holdings []Holding
	for _, row := range out.Rows {
		qty, err := strconv.ParseInt(strings.TrimSpace(row.Quantity), 10, 64)
		if err != nil || qty <= 0 {
			continue
		}
		holdings = append(holdings, Holding{
			Symbol:   row.Symbol,
			Quantity: qty,
			AvgPrice: parseF(row.AvgPrice),
		})
	}
	var bal Balance
	if len(out.Summary) > 0 {
		bal.Cash = parseF(out.Summary[0].Cash)
		bal.TotalEval = parseF(out.Summary[0].TotalEval)
	}
	return holdings, bal, nil
}

func (k *KIS) SubmitLimitOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	return k.submit(ctx, req, "00", req.Price)
}

func (k *KIS) SubmitMarketOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	return k.submit(ctx, req, "01", 0)
}

func (k *KIS) submit(ctx context.Context, req OrderRequest, ordDvsn string, price int64) (OrderResponse, error) {
	cano, prdt := k.accountParts()
	trID := trBuyCash
	if req.Side == Sell {
		trID = trSellCash
	}
	body := map[string]string{
		"CANO":         cano,
		"ACNT_PRDT_CD": prdt,
		"PDNO":         req.Symbol,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(req.Quantity, 10),
		"ORD_UNPR":     strconv.FormatInt(price, 10),
	} // ORD_UNPR must be "0" for market orders
	var out struct {
		Output struct {
			OrderID string `json:"ODNO"`
		} `json:"output"`
	}
	if err := k.call(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-cash", trID, nil, body, &out); err != nil {
		return OrderResponse{}, err
	}
	return OrderResponse{
		OrderID:   out.Output.OrderID,
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Status:    StatusOpen,
		Price:     price,
		Quantity:  req.Quantity,
		Timestamp: time.Now(),
	}, nil
}

func (k *KIS) CancelOrder(ctx context.Context, orderID string) error {
	cano, prdt := k.accountParts()
	body := map[string]string{
		"CANO":               cano,
		"ACNT_PRDT_CD":       prdt,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderID,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02", // 02 = cancel
		"ORD_QTY":            "0",
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}
	return k.call(ctx, http.MethodPost, "/uapi/domestic-stock/v1/trading/order-rvsecncl", trCancel, nil, body, nil)
}

func (k *KIS) OpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	cano, prdt := k.accountParts()
	params := url.Values{
		"CANO":           {cano},
		"ACNT_PRDT_CD":   {prdt},
		"INQR_DVSN_1":    {"0"},
		"INQR_DVSN_2":    {"0"},
		"CTX_AREA_FK100": {""},
		"CTX_AREA_NK100": {""},
	}
	var out struct {
		Rows []struct {
			OrderID  string `json:"odno"`
			Symbol   string `json:"pdno"`
			SideCode string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
			Price    string `json:"ord_unpr"`
			Quantity string `json:"ord_qty"`
			Remain   string `json:"psbl_qty"`
		} `json:"output"`
	}
	if err := k.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl", trOpenOrders, params, nil, &out); err != nil {
		return nil, err
	}

	var orders []OrderResponse
	for _, row := range out.Rows {
		if symbol != "" && row.Symbol != symbol {
			continue
		}
		qty, _ := strconv.ParseInt(strings.TrimSpace(row.Quantity), 10, 64)
		remain, _ := strconv.ParseInt(strings.TrimSpace(row.Remain), 10, 64)
		price, _ := strconv.ParseInt(strings.TrimSpace(row.Price), 10, 64)
		orders = append(orders, OrderResponse{
			OrderID:   row.OrderID,
			Symbol:    row.Symbol,
			Side:      sideFromCode(row.SideCode),
			Status:    StatusOpen,
			Price:     price,
			Quantity:  qty,
			FilledQty: qty - remain,
		})
	}
	return orders, nil
}

func (k *KIS) ClosedOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	cano, prdt := k.accountParts()
	today := time.Now().In(time.FixedZone("KST", 9*60*60)).Format("20060102")
	params := url.Values{
		"CANO":            {cano},
		"ACNT_PRDT_CD":    {prdt},
		"INQR_STRT_DT":    {today},
		"INQR_END_DT":     {today},
		"SLL_BUY_DVSN_CD": {"00"},
		"INQR_DVSN":       {"00"},
		"PDNO":            {symbol},
		"CCLD_DVSN":       {"00"},
		"ORD_GNO_BRNO":    {""},
		"ODNO":            {""},
		"INQR_DVSN_3":     {"00"},
		"INQR_DVSN_1":     {""},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}
	var out struct {
		Rows []struct {
			OrderID   string `json:"odno"`
			Symbol    string `json:"pdno"`
			SideCode  string `json:"sll_buy_dvsn_cd"`
			Price     string `json:"ord_unpr"`
			Quantity  string `json:"ord_qty"`
			FilledQty string `json:"tot_ccld_qty"`
			AvgPrice  string `json:"avg_prvs"`
			Canceled  string `json:"cncl_yn"`
		} `json:"output1"`
	}
	if err := k.call(ctx, http.MethodGet, "/uapi/domestic-stock/v1/trading/inquire-daily-ccld", trDailyOrders, params, nil, &out); err != nil {
		return nil, err
	}

	var orders []OrderResponse
	for _, row := range out.Rows {
		if symbol != "" && row.Symbol != symbol {
			continue
		}
		qty, _ := strconv.ParseInt(strings.TrimSpace(row.Quantity), 10, 64)
		filled, _ := strconv.ParseInt(strings.TrimSpace(row.FilledQty), 10, 64)
		price, _ := strconv.ParseInt(strings.TrimSpace(row.Price), 10, 64)
		status := StatusFilled
		if strings.TrimSpace(row.Canceled) == "Y" {
			status = StatusCanceled
		} else if filled < qty {
			// Still working: the open-orders endpoint owns these.
			continue
		}
		orders = append(orders, OrderResponse{
			OrderID:   row.OrderID,
			Symbol:    row.Symbol,
			Side:      sideFromCode(row.SideCode),
			Status:    status,
			Price:     price,
			Quantity:  qty,
			FilledQty: filled,
			AvgPrice:  parseF(row.AvgPrice),
		})
	}
	return orders, nil
}

func sideFromCode(code string) Side {
	if strings.TrimSpace(code) == "01" {
		return Sell
	}
	return Buy
}
