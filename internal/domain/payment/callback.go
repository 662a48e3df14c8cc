package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/platform/mpesa"
)

// Settlement is a final charge result, from a callback or a status query.
type Settlement struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResultCode        int
	ResultDesc        string

	// Metadata, present on successful callbacks only.
	Amount          *decimal.Decimal
	ReceiptNumber   string
	PhoneNumber     string
	TransactionDate string
}

func (s Settlement) Succeeded() bool { return s.ResultCode == 0 }

type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        *mpesa.Code `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// text returns the item value as a string whether the provider sent a JSON
// string or a JSON number.
func (m metadataItem) text() string {
	raw := strings.TrimSpace(string(m.Value))
	if raw == "" || raw == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(m.Value, &s); err == nil {
			return s
		}
	}
	return raw
}

// ParseCallback decodes the provider's STK callback envelope.
func ParseCallback(raw []byte) (*Settlement, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil {
		return nil, fmt.Errorf("%w: missing Body", ErrMalformedCallback)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}
	if cb.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}
	code, ok := cb.ResultCode.Int()
	if !ok {
		return nil, fmt.Errorf("%w: non-numeric ResultCode %q", ErrMalformedCallback, string(*cb.ResultCode))
	}

	s := &Settlement{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		return s, nil
	}
	for _, item := range cb.CallbackMetadata.Item {
		v := item.text()
		if v == "" {
			continue
		}
		switch item.Name {
		case "Amount":
			amt, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid Amount %q", ErrMalformedCallback, v)
			}
			s.Amount = &amt
		case "MpesaReceiptNumber":
			s.ReceiptNumber = v
		case "PhoneNumber":
			s.PhoneNumber = v
		case "TransactionDate":
			s.TransactionDate = v
		}
	}
	return s, nil
}

// NormalizePhone converts a Kenyan mobile number to the 2547XXXXXXXX or
// 2541XXXXXXXX form the gateway expects.
func NormalizePhone(in string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(in))
	s = strings.TrimPrefix(s, "+")

	switch {
	case len(s) == 10 && s[0] == '0':
		s = "254" + s[1:]
	case len(s) == 9:
		s = "254" + s
	}

	if len(s) != 12 || !strings.HasPrefix(s, "254") || (s[3] != '7' && s[3] != '1') {
		return "", fmt.Errorf("%w: phone_number %q is not a valid mobile number", ErrInvalidRequest, in)
	}
	if _, err := strconv.ParseUint(s, 10, 64); err != nil {
		return "", fmt.Errorf("%w: phone_number %q is not a valid mobile number", ErrInvalidRequest, in)
	}
	return s, nil
}
