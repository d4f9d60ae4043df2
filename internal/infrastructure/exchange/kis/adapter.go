package kis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"autotrade/internal/application/port"
	"autotrade/internal/domain/model"
	"autotrade/internal/infrastructure/apiclient"
	"autotrade/internal/infrastructure/auth"
)

const (
	pathToken    = "/oauth2/tokenP"
	pathApproval = "/oauth2/Approval"
	pathQuote    = "/uapi/domestic-stock/v1/quotations/inquire-price"
	pathOrder    = "/uapi/domestic-stock/v1/trading/order-cash"
	pathCancel   = "/uapi/domestic-stock/v1/trading/order-rvsecncl"
	pathBalance  = "/uapi/domestic-stock/v1/trading/inquire-balance"
	pathCcld     = "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"
	pathDaily    = "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice"

	defaultTokenTTL = 24 * time.Hour
)

// Doer is satisfied by *apiclient.Client.
type Doer interface {
	Do(ctx context.Context, req *apiclient.Request) (*apiclient.Response, error)
}

// Adapter speaks the brokerage REST protocol through the resilient client.
type Adapter struct {
	cfg    Config
	client Doer
	now    func() time.Time
}

var (
	_ port.Broker   = (*Adapter)(nil)
	_ auth.Acquirer = (*Adapter)(nil)
)

func New(cfg Config, client Doer) *Adapter {
	return &Adapter{cfg: cfg, client: client, now: time.Now}
}

// Headers are sent on every REST call.
func Headers(cfg Config) http.Header {
	h := http.Header{}
	h.Set("appkey", cfg.AppKey)
	h.Set("appsecret", cfg.AppSecret)
	h.Set("custtype", "P")
	return h
}

// Acquire exchanges the app key/secret for a bearer token.
func (a *Adapter) Acquire(ctx context.Context) (auth.Grant, error) {
	resp, err := a.client.Do(ctx, &apiclient.Request{
		Op:     "token",
		Method: http.MethodPost,
		Path:   pathToken,
		Public: true,
		Body: tokenRequest{
			GrantType: "client_credentials",
			AppKey:    a.cfg.AppKey,
			AppSecret: a.cfg.AppSecret,
		},
	})
	if err != nil {
		return auth.Grant{}, err
	}
	var out tokenResponse
	if err := resp.Decode(&out); err != nil {
		return auth.Grant{}, err
	}
	if out.AccessToken == "" {
		return auth.Grant{}, errors.New("kis: token response without access_token")
	}
	ttl := time.Duration(out.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return auth.Grant{Token: out.AccessToken, TTL: ttl, Identity: a.cfg.AppKey}, nil
}

// ApprovalKey obtains the key required by streaming subscriptions.
func (a *Adapter) ApprovalKey(ctx context.Context) (string, error) {
	resp, err := a.client.Do(ctx, &apiclient.Request{
		Op:     "approval",
		Method: http.MethodPost,
		Path:   pathApproval,
		Public: true,
		Body: approvalRequest{
			GrantType: "client_credentials",
			AppKey:    a.cfg.AppKey,
			SecretKey: a.cfg.AppSecret,
		},
	})
	if err != nil {
		return "", err
	}
	var out approvalResponse
	if err := resp.Decode(&out); err != nil {
		return "", err
	}
	if out.ApprovalKey == "" {
		return "", errors.New("kis: approval response without approval_key")
	}
	return out.ApprovalKey, nil
}

func (a *Adapter) Quote(ctx context.Context, instrument string) (float64, error) {
	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_INPUT_ISCD", instrument)

	var out quoteResponse
	if err := a.call(ctx, &apiclient.Request{
		Op:      "quote",
		Method:  http.MethodGet,
		Path:    pathQuote,
		Query:   q,
		Headers: trHeader(trQuote),
	}, &out, &out.envelope); err != nil {
		return 0, err
	}
	price, err := parseAmount(out.Output.Price)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("kis: no price for %s", instrument)
	}
	return price, nil
}

// DailyCloses returns up to n daily closes, oldest first. The broker caps
// one page at 100 rows.
func (a *Adapter) DailyCloses(ctx context.Context, instrument string, n int) ([]float64, error) {
	if n <= 0 {
		return nil, nil
	}
	end := a.now().In(kst)
	// weekends and holidays: ask for twice the calendar span
	start := end.AddDate(0, 0, -2*n)

	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_INPUT_ISCD", instrument)
	q.Set("FID_INPUT_DATE_1", start.Format(dateLayout))
	q.Set("FID_INPUT_DATE_2", end.Format(dateLayout))
	q.Set("FID_PERIOD_DIV_CODE", "D")
	q.Set("FID_ORG_ADJ_PRC", "0")

	var out dailyPriceResponse
	if err := a.call(ctx, &apiclient.Request{
		Op:      "daily_price",
		Method:  http.MethodGet,
		Path:    pathDaily,
		Query:   q,
		Headers: trHeader(trDailyChart),
	}, &out, &out.envelope); err != nil {
		return nil, err
	}

	// rows arrive newest first
	closes := make([]float64, 0, len(out.Output2))
	for i := len(out.Output2) - 1; i >= 0; i-- {
		c, err := parseAmount(out.Output2[i].Close)
		if err != nil {
			return nil, err
		}
		if c > 0 {
			closes = append(closes, c)
		}
	}
	if len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	return closes, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, o *model.Order) (*port.OrderAck, error) {
	cano, prdt, err := a.cfg.accountParts()
	if err != nil {
		return nil, err
	}
	op := "buy"
	if o.Side == model.SideSell {
		op = "sell"
	}
	body := orderRequest{
		CANO:       cano,
		AcntPrdtCd: prdt,
		PDNO:       o.Instrument,
		OrdDvsn:    ordDvsnMarket,
		OrdQty:     formatQty(o.Quantity),
		OrdUnpr:    "0",
	}
	if o.Kind == model.OrderKindLimit && o.Price > 0 {
		body.OrdDvsn = ordDvsnLimit
		body.OrdUnpr = formatPrice(o.Price)
	}

	var out orderResponse
	if err := a.call(ctx, &apiclient.Request{
		Op:      "order_" + op,
		Method:  http.MethodPost,
		Path:    pathOrder,
		Body:    body,
		Signed:  true,
		Headers: trHeader(a.cfg.trID(op)),
	}, &out, &out.envelope); err != nil {
		return nil, err
	}

	log.Info().Str("instrument", o.Instrument).Str("side", string(o.Side)).
		Int64("qty", o.Quantity).Str("odno", out.Output.OrderNo).Msg("order accepted")
	return &port.OrderAck{
		BrokerRef: out.Output.OrderNo,
		BrokerOrg: out.Output.OrgNo,
		Message:   out.Msg1,
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, o *model.Order) error {
	if o.BrokerRef == "" {
		return fmt.Errorf("kis: order %s has no broker reference", o.ID)
	}
	cano, prdt, err := a.cfg.accountParts()
	if err != nil {
		return err
	}
	body := cancelRequest{
		CANO:         cano,
		AcntPrdtCd:   prdt,
		OrgNo:        o.BrokerOrg,
		OrigOrderNo:  o.BrokerRef,
		OrdDvsn:      ordDvsnMarket,
		RvseCnclDvCd: "02",
		OrdQty:       "0",
		OrdUnpr:      "0",
		QtyAllOrdYN:  "Y",
	}
	if o.Kind == model.OrderKindLimit {
		body.OrdDvsn = ordDvsnLimit
	}
	var out orderResponse
	return a.call(ctx, &apiclient.Request{
		Op:      "cancel",
		Method:  http.MethodPost,
		Path:    pathCancel,
		Body:    body,
		Signed:  true,
		Headers: trHeader(a.cfg.trID("cancel")),
	}, &out, &out.envelope)
}

// Execution looks the order up in today's order/execution inquiry.
func (a *Adapter) Execution(ctx context.Context, o *model.Order) (*port.Execution, error) {
	if o.BrokerRef == "" {
		return nil, fmt.Errorf("kis: order %s has no broker reference", o.ID)
	}
	cano, prdt, err := a.cfg.accountParts()
	if err != nil {
		return nil, err
	}
	day := o.CreatedAt
	if day.IsZero() {
		day = a.now()
	}
	date := day.In(kst).Format(dateLayout)

	q := url.Values{}
	q.Set("CANO", cano)
	q.Set("ACNT_PRDT_CD", prdt)
	q.Set("INQR_STRT_DT", date)
	q.Set("INQR_END_DT", date)
	q.Set("SLL_BUY_DVSN_CD", "00")
	q.Set("INQR_DVSN", "00")
	q.Set("PDNO", o.Instrument)
	q.Set("CCLD_DVSN", "00")
	q.Set("ORD_GNO_BRNO", o.BrokerOrg)
	q.Set("ODNO", o.BrokerRef)
	q.Set("INQR_DVSN_3", "00")
	q.Set("INQR_DVSN_1", "")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	var out executionResponse
	if err := a.call(ctx, &apiclient.Request{
		Op:      "executions",
		Method:  http.MethodGet,
		Path:    pathCcld,
		Query:   q,
		Headers: trHeader(a.cfg.trID("ccld")),
	}, &out, &out.envelope); err != nil {
		return nil, err
	}

	want := strings.TrimLeft(o.BrokerRef, "0")
	for _, row := range out.Output1 {
		if strings.TrimLeft(row.OrderNo, "0") != want {
			continue
		}
		ex := &port.Execution{BrokerRef: row.OrderNo}
		if ex.Ordered, err = parseQty(row.OrderedQty); err != nil {
			return nil, err
		}
		if ex.Filled, err = parseQty(row.FilledQty); err != nil {
			return nil, err
		}
		if ex.AvgPrice, err = parseAmount(row.AvgPrice); err != nil {
			return nil, err
		}
		if ex.Remaining, err = parseQty(row.RemainingQty); err != nil {
			return nil, err
		}
		cancelled, err := parseQty(row.CancelledQty)
		if err != nil {
			return nil, err
		}
		ex.Cancelled = cancelled > 0 || strings.EqualFold(row.CancelYN, "Y")
		return ex, nil
	}
	return nil, fmt.Errorf("kis: order %s (%s) not found in execution inquiry", o.ID, o.BrokerRef)
}

func (a *Adapter) Balance(ctx context.Context) (*port.Balance, error) {
	cano, prdt, err := a.cfg.accountParts()
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("CANO", cano)
	q.Set("ACNT_PRDT_CD", prdt)
	q.Set("AFHR_FLPR_YN", "N")
	q.Set("OFL_YN", "")
	q.Set("INQR_DVSN", "02")
	q.Set("UNPR_DVSN", "01")
	q.Set("FUND_STTL_ICLD_YN", "N")
	q.Set("FNCG_AMT_AUTO_RDPT_YN", "N")
	q.Set("PRCS_DVSN", "01")
	q.Set("CTX_AREA_FK100", "")
	q.Set("CTX_AREA_NK100", "")

	var out balanceResponse
	if err := a.call(ctx, &apiclient.Request{
		Op:      "balance",
		Method:  http.MethodGet,
		Path:    pathBalance,
		Query:   q,
		Headers: trHeader(a.cfg.trID("balance")),
	}, &out, &out.envelope); err != nil {
		return nil, err
	}

	bal := &port.Balance{}
	if len(out.Output2) > 0 {
		cash, err := parseAmount(out.Output2[0].Deposit)
		if err != nil {
			return nil, err
		}
		bal.Cash = cash
	}
	now := time.Now()
	for _, row := range out.Output1 {
		qty, err := parseQty(row.Quantity)
		if err != nil {
			return nil, err
		}
		if qty == 0 {
			continue
		}
		avg, err := parseAmount(row.AvgPrice)
		if err != nil {
			return nil, err
		}
		bal.Positions = append(bal.Positions, model.Position{
			Instrument: row.Code,
			Quantity:   qty,
			AvgCost:    avg,
			UpdatedAt:  now,
		})
	}
	return bal, nil
}

// call executes req, decodes into out and turns a non-zero rt_cd into a
// permanent rejection.
func (a *Adapter) call(ctx context.Context, req *apiclient.Request, out any, env *envelope) error {
	resp, err := a.client.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return err
	}
	if !env.ok() {
		return apiclient.Rejected(req.Op, env.MsgCd, env.Msg1)
	}
	return nil
}

const dateLayout = "20060102"

// exchange calendar dates are Korea Standard Time
var kst = time.FixedZone("KST", 9*60*60)

func trHeader(id string) http.Header {
	h := http.Header{}
	h.Set("tr_id", id)
	return h
}
