package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
)

// Code is a provider result or response code. The provider sends these as
// JSON numbers in some payloads and as strings in others.
type Code string

func (c *Code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*c = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = Code(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("mpesa: code must be a number or string: %w", err)
	}
	*c = Code(n.String())
	return nil
}

// Int parses the code as an integer.
func (c Code) Int() (int, bool) {
	n, err := strconv.Atoi(string(c))
	return n, err == nil
}

type ChargeRequest struct {
	Phone       string
	Amount      decimal.Decimal
	BillID      int64
	Description string
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// ChargeResponse is the provider's synchronous answer to a charge request.
// A rejected charge is reported here, not as an error.
type ChargeResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        Code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`

	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Accepted reports whether the provider accepted the charge and issued a checkout id.
func (r *ChargeResponse) Accepted() bool {
	return r.ResponseCode == "0" && r.ErrorMessage == "" && r.CheckoutRequestID != ""
}

// Reason is a human-readable explanation for a rejected charge.
func (r *ChargeResponse) Reason() string {
	switch {
	case r.ErrorMessage != "":
		return r.ErrorMessage
	case r.ResponseDescription != "":
		return r.ResponseDescription
	case r.CheckoutRequestID == "":
		return "no checkout request id in provider response"
	default:
		return "charge rejected by provider"
	}
}

// SubmitCharge asks the provider to push a payment prompt to the customer's phone.
func (c *Client) SubmitCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	password, timestamp := c.Password(c.now())

	payload := stkPushPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            WholeUnits(req.Amount),
		PartyA:            req.Phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       req.Phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  fmt.Sprintf("%d_transaction", req.BillID),
		TransactionDesc:   req.Description,
	}

	resp, err := c.postJSON(ctx, stkPath, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading charge response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: charge endpoint returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var out ChargeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &ChargeResponse{ErrorMessage: fmt.Sprintf("provider returned status %d", resp.StatusCode)}, nil
		}
		return nil, fmt.Errorf("%w: decoding charge response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK && out.ErrorMessage == "" && out.ResponseDescription == "" {
		out.ErrorMessage = fmt.Sprintf("provider returned status %d", resp.StatusCode)
	}
	return &out, nil
}

// WholeUnits converts an amount to the integer the provider accepts, rounding
// fractional amounts up.
func WholeUnits(amount decimal.Decimal) int64 {
	return amount.Ceil().IntPart()
}

type stkQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// processingCode is the error code the query API returns while the customer
// has not yet answered the prompt.
const processingCode = "500.001.1001"

type QueryResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        Code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ResultCode          Code   `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`

	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Pending reports whether the charge has no final result yet.
func (r *QueryResponse) Pending() bool {
	return r.ErrorCode == processingCode || r.ResultCode == ""
}

// QueryCharge asks the provider for the current state of a charge.
func (c *Client) QueryCharge(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	password, timestamp := c.Password(c.now())

	resp, err := c.postJSON(ctx, queryPath, stkQueryPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out QueryResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	// The provider reports "still processing" as a 500 with an error body.
	if decodeErr == nil && out.ErrorCode == processingCode {
		return &out, nil
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: query endpoint returned status %d", ErrUnavailable, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decoding query response: %v", ErrUnavailable, decodeErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mpesa: query for %s returned status %d: %s", checkoutRequestID, resp.StatusCode, out.ErrorMessage)
	}
	return &out, nil
}
