package easyslip

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// VerificationResult is a verified slip as reported by EasySlip
type VerificationResult struct {
	Status   int       `json:"status"`
	Payload  string    `json:"payload"`
	TransRef string    `json:"transRef"`
	Date     time.Time `json:"date"`
	Amount   Amount    `json:"amount"`
	Fee      int64     `json:"fee"`
	Ref1     string    `json:"ref1"`
	Ref2     string    `json:"ref2"`
	Ref3     string    `json:"ref3"`
	Sender   Party     `json:"sender"`
	Receiver Party     `json:"receiver"`
}

// UnmarshalJSON decodes a result using the same rules as an API response body.
// A missing status is left at zero.
func (r *VerificationResult) UnmarshalJSON(data []byte) error {
	obj, err := parseObject("data", data)
	if err != nil {
		return err
	}
	result, err := decodeResult(obj)
	if err != nil {
		return err
	}
	status, err := obj.optionalInt("status")
	if err != nil {
		return err
	}
	if status != nil {
		result.Status = int(*status)
	}
	*r = *result
	return nil
}

// Amount is the transferred amount in minor units (satang)
type Amount struct {
	Amount int64        `json:"amount"`
	Local  *LocalAmount `json:"local,omitempty"`
}

// Major returns the amount in major units (baht)
func (a Amount) Major() decimal.Decimal {
	return decimal.New(a.Amount, -2)
}

// LocalAmount is the amount expressed in a local currency, when the slip carries one
type LocalAmount struct {
	Amount   *int64  `json:"amount,omitempty"`
	Currency *string `json:"currency,omitempty"`
}

// Party is the sender or receiver of a transfer
type Party struct {
	Name        AccountName
	Bank        *AccountIdentity
	Proxy       *AccountIdentity
	MerchantID  *string
	Institution *Bank
}

// MarshalJSON writes the party in the nested shape used by the API.
func (p Party) MarshalJSON() ([]byte, error) {
	type account struct {
		Name AccountName      `json:"name"`
		Bank *AccountIdentity `json:"bank,omitempty"`
	}
	return json.Marshal(struct {
		Account    account          `json:"account"`
		Proxy      *AccountIdentity `json:"proxy,omitempty"`
		MerchantID *string          `json:"merchantId,omitempty"`
		Bank       *Bank            `json:"bank,omitempty"`
	}{
		Account:    account{Name: p.Name, Bank: p.Bank},
		Proxy:      p.Proxy,
		MerchantID: p.MerchantID,
		Bank:       p.Institution,
	})
}

// AccountName holds the Thai and English account holder names
type AccountName struct {
	Thai    *string `json:"th,omitempty"`
	English *string `json:"en,omitempty"`
}

// AccountIdentity identifies a bank account or a proxy (phone number, citizen ID, e-wallet)
type AccountIdentity struct {
	Type    string `json:"type"`
	Account string `json:"account"`
}

// Bank describes the financial institution of a party
type Bank struct {
	ID    *string `json:"id,omitempty"`
	Name  *string `json:"name,omitempty"`
	Short *string `json:"short,omitempty"`
}
