package kis

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// envelope is common to every REST response.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (e envelope) ok() bool { return e.RtCd == "" || e.RtCd == "0" }

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type approvalRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

type quoteResponse struct {
	envelope
	Output struct {
		Price string `json:"stck_prpr"`
	} `json:"output"`
}

type dailyPriceResponse struct {
	envelope
	Output2 []struct {
		Date  string `json:"stck_bsop_date"`
		Close string `json:"stck_clpr"`
	} `json:"output2"`
}

type orderRequest struct {
	CANO       string `json:"CANO"`
	AcntPrdtCd string `json:"ACNT_PRDT_CD"`
	PDNO       string `json:"PDNO"`
	OrdDvsn    string `json:"ORD_DVSN"`
	OrdQty     string `json:"ORD_QTY"`
	OrdUnpr    string `json:"ORD_UNPR"`
}

type orderResponse struct {
	envelope
	Output struct {
		OrgNo   string `json:"KRX_FWDG_ORD_ORGNO"`
		OrderNo string `json:"ODNO"`
		OrdTmd  string `json:"ORD_TMD"`
	} `json:"output"`
}

type cancelRequest struct {
	CANO         string `json:"CANO"`
	AcntPrdtCd   string `json:"ACNT_PRDT_CD"`
	OrgNo        string `json:"KRX_FWDG_ORD_ORGNO"`
	OrigOrderNo  string `json:"ORGN_ODNO"`
	OrdDvsn      string `json:"ORD_DVSN"`
	RvseCnclDvCd string `json:"RVSE_CNCL_DVSN_CD"`
	OrdQty       string `json:"ORD_QTY"`
	OrdUnpr      string `json:"ORD_UNPR"`
	QtyAllOrdYN  string `json:"QTY_ALL_ORD_YN"`
}

type executionResponse struct {
	envelope
	Output1 []struct {
		OrderNo      string `json:"odno"`
		Code         string `json:"pdno"`
		OrderedQty   string `json:"ord_qty"`
		FilledQty    string `json:"tot_ccld_qty"`
		AvgPrice     string `json:"avg_prvs"`
		RemainingQty string `json:"rmn_qty"`
		CancelledQty string `json:"cncl_cfrm_qty"`
		CancelYN     string `json:"cncl_yn"`
	} `json:"output1"`
}

type balanceResponse struct {
	envelope
	Output1 []struct {
		Code     string `json:"pdno"`
		Name     string `json:"prdt_name"`
		Quantity string `json:"hldg_qty"`
		AvgPrice string `json:"pchs_avg_pric"`
	} `json:"output1"`
	Output2 []struct {
		Deposit string `json:"dnca_tot_amt"`
	} `json:"output2"`
}

const (
	ordDvsnLimit  = "00"
	ordDvsnMarket = "01"
)

// formatPrice renders a KRW price as the integer string the broker expects.
func formatPrice(p float64) string {
	return decimal.NewFromFloat(p).Round(0).String()
}

func formatQty(q int64) string { return strconv.FormatInt(q, 10) }

// parseAmount parses a broker numeric string; empty means zero.
func parseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("kis: parse amount %q: %w", s, err)
	}
	return d.InexactFloat64(), nil
}

func parseQty(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("kis: parse quantity %q: %w", s, err)
	}
	return d.IntPart(), nil
}
