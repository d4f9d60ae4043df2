package kis

import (
	"errors"
	"strings"
)

const (
	ModePaper = "paper"
	ModeLive  = "live"

	PaperRESTURL = "https://openapivts.koreainvestment.com:29443"
	LiveRESTURL  = "https://openapi.koreainvestment.com:9443"
	PaperWSURL   = "ws://ops.koreainvestment.com:31000"
	LiveWSURL    = "ws://ops.koreainvestment.com:21000"
)

// Config identifies the account and environment.
type Config struct {
	Mode        string
	AppKey      string
	AppSecret   string
	Account     string // 8-digit CANO, or "CANO-PRDT"
	ProductCode string // ACNT_PRDT_CD, defaults to "01"
}

func (c Config) Live() bool { return strings.EqualFold(c.Mode, ModeLive) }

// RESTURL returns the REST base for the configured mode.
func (c Config) RESTURL() string {
	if c.Live() {
		return LiveRESTURL
	}
	return PaperRESTURL
}

// WSURL returns the streaming endpoint for the configured mode.
func (c Config) WSURL() string {
	if c.Live() {
		return LiveWSURL
	}
	return PaperWSURL
}

// accountParts splits "12345678-01" into CANO and product code.
func (c Config) accountParts() (string, string, error) {
	acct := strings.TrimSpace(c.Account)
	prdt := strings.TrimSpace(c.ProductCode)
	if i := strings.IndexByte(acct, '-'); i >= 0 {
		acct, prdt = acct[:i], acct[i+1:]
	}
	if acct == "" {
		return "", "", errors.New("kis: account number empty")
	}
	if prdt == "" {
		prdt = "01"
	}
	return acct, prdt, nil
}

// transaction ids, paper then live
var trIDs = map[string][2]string{
	"buy":     {"VTTC0802U", "TTTC0802U"},
	"sell":    {"VTTC0801U", "TTTC0801U"},
	"cancel":  {"VTTC0803U", "TTTC0803U"},
	"balance": {"VTTC8434R", "TTTC8434R"},
	"ccld":    {"VTTC8001R", "TTTC8001R"},
}

func (c Config) trID(op string) string {
	ids := trIDs[op]
	if c.Live() {
		return ids[1]
	}
	return ids[0]
}

const (
	trQuote      = "FHKST01010100"
	trDailyChart = "FHKST03010100"
)
