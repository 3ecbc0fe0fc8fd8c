package easyslip

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	errMissingField = errors.New("field is required")
	errNullField    = errors.New("field must not be null")
)

// dateLayouts are tried in order when parsing data.date
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// object is a decoded JSON object that remembers where it sits in the response
type object struct {
	path   string
	fields map[string]json.RawMessage
}

func parseObject(path string, data []byte) (object, error) {
	field := path
	if field == "" {
		field = "body"
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return object{}, &DecodeError{Field: field, Err: fmt.Errorf("expected object: %w", err)}
	}
	if fields == nil {
		return object{}, &DecodeError{Field: field, Err: errors.New("expected object, got null")}
	}
	return object{path: path, fields: fields}, nil
}

func (o object) fieldPath(key string) string {
	if o.path == "" {
		return key
	}
	return o.path + "." + key
}

// lookup returns the raw value of key. ok is false when the key is missing or null.
func (o object) lookup(key string) (json.RawMessage, bool) {
	raw, ok := o.fields[key]
	if !ok || isNull(raw) {
		return nil, false
	}
	return raw, true
}

func (o object) required(key string) (json.RawMessage, error) {
	raw, ok := o.fields[key]
	if !ok {
		return nil, &DecodeError{Field: o.fieldPath(key), Err: errMissingField}
	}
	if isNull(raw) {
		return nil, &DecodeError{Field: o.fieldPath(key), Err: errNullField}
	}
	return raw, nil
}

func (o object) unmarshal(key string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Field: o.fieldPath(key), Err: err}
	}
	return nil
}

func (o object) requiredString(key string) (string, error) {
	raw, err := o.required(key)
	if err != nil {
		return "", err
	}
	var s string
	if err := o.unmarshal(key, raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func (o object) optionalString(key string) (*string, error) {
	raw, ok := o.lookup(key)
	if !ok {
		return nil, nil
	}
	var s string
	if err := o.unmarshal(key, raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (o object) requiredInt(key string) (int64, error) {
	raw, err := o.required(key)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := o.unmarshal(key, raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (o object) optionalInt(key string) (*int64, error) {
	raw, ok := o.lookup(key)
	if !ok {
		return nil, nil
	}
	var n int64
	if err := o.unmarshal(key, raw, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (o object) requiredObject(key string) (object, error) {
	raw, err := o.required(key)
	if err != nil {
		return object{}, err
	}
	return parseObject(o.fieldPath(key), raw)
}

// optionalObject reports ok=false for a missing, null or empty object.
func (o object) optionalObject(key string) (object, bool, error) {
	raw, ok := o.lookup(key)
	if !ok {
		return object{}, false, nil
	}
	obj, err := parseObject(o.fieldPath(key), raw)
	if err != nil {
		return object{}, false, err
	}
	if len(obj.fields) == 0 {
		return object{}, false, nil
	}
	return obj, true, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeResponse decodes a successful {status, data} body
func decodeResponse(body []byte) (*VerificationResult, error) {
	root, err := parseObject("", body)
	if err != nil {
		return nil, err
	}
	status, err := root.requiredInt("status")
	if err != nil {
		return nil, err
	}
	data, err := root.requiredObject("data")
	if err != nil {
		return nil, err
	}
	result, err := decodeResult(data)
	if err != nil {
		return nil, err
	}
	result.Status = int(status)
	return result, nil
}

// decodeFailure decodes a {status, message} error body. It returns a
// *VerificationError, or a *DecodeError when the body is malformed.
func decodeFailure(body []byte) error {
	root, err := parseObject("", body)
	if err != nil {
		return err
	}
	status, err := root.requiredInt("status")
	if err != nil {
		return err
	}
	message, err := root.requiredString("message")
	if err != nil {
		return err
	}
	return &VerificationError{Status: int(status), Message: message}
}

func decodeResult(data object) (*VerificationResult, error) {
	var result VerificationResult

	strs := []struct {
		key string
		dst *string
	}{
		{"payload", &result.Payload},
		{"transRef", &result.TransRef},
		{"ref1", &result.Ref1},
		{"ref2", &result.Ref2},
		{"ref3", &result.Ref3},
	}
	for _, f := range strs {
		s, err := data.requiredString(f.key)
		if err != nil {
			return nil, err
		}
		*f.dst = s
	}

	rawDate, err := data.requiredString("date")
	if err != nil {
		return nil, err
	}
	result.Date, err = parseDate(rawDate)
	if err != nil {
		return nil, &DecodeError{Field: data.fieldPath("date"), Err: err}
	}

	amount, err := data.requiredObject("amount")
	if err != nil {
		return nil, err
	}
	if result.Amount, err = decodeAmount(amount); err != nil {
		return nil, err
	}

	if result.Fee, err = data.requiredInt("fee"); err != nil {
		return nil, err
	}

	sender, err := data.requiredObject("sender")
	if err != nil {
		return nil, err
	}
	if result.Sender, err = decodeParty(sender); err != nil {
		return nil, err
	}

	receiver, err := data.requiredObject("receiver")
	if err != nil {
		return nil, err
	}
	if result.Receiver, err = decodeParty(receiver); err != nil {
		return nil, err
	}

	return &result, nil
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

func decodeAmount(obj object) (Amount, error) {
	value, err := obj.requiredInt("amount")
	if err != nil {
		return Amount{}, err
	}
	amount := Amount{Amount: value}

	local, ok, err := obj.optionalObject("local")
	if err != nil {
		return Amount{}, err
	}
	if !ok {
		return amount, nil
	}
	amount.Local = &LocalAmount{}
	if amount.Local.Amount, err = local.optionalInt("amount"); err != nil {
		return Amount{}, err
	}
	if amount.Local.Currency, err = local.optionalString("currency"); err != nil {
		return Amount{}, err
	}
	return amount, nil
}

func decodeParty(obj object) (Party, error) {
	var party Party

	account, err := obj.requiredObject("account")
	if err != nil {
		return Party{}, err
	}
	name, err := account.requiredObject("name")
	if err != nil {
		return Party{}, err
	}
	if party.Name.Thai, err = name.optionalString("th"); err != nil {
		return Party{}, err
	}
	if party.Name.English, err = name.optionalString("en"); err != nil {
		return Party{}, err
	}

	if party.Bank, err = decodeIdentity(account, "bank"); err != nil {
		return Party{}, err
	}
	if party.Proxy, err = decodeIdentity(obj, "proxy"); err != nil {
		return Party{}, err
	}
	if party.MerchantID, err = obj.optionalString("merchantId"); err != nil {
		return Party{}, err
	}
	if party.Institution, err = decodeBank(obj); err != nil {
		return Party{}, err
	}
	return party, nil
}

func decodeIdentity(parent object, key string) (*AccountIdentity, error) {
	obj, ok, err := parent.optionalObject(key)
	if err != nil || !ok {
		return nil, err
	}
	kind, err := obj.requiredString("type")
	if err != nil {
		return nil, err
	}
	account, err := obj.requiredString("account")
	if err != nil {
		return nil, err
	}
	return &AccountIdentity{Type: kind, Account: account}, nil
}

func decodeBank(parent object) (*Bank, error) {
	obj, ok, err := parent.optionalObject("bank")
	if err != nil || !ok {
		return nil, err
	}
	var bank Bank
	if bank.ID, err = obj.optionalString("id"); err != nil {
		return nil, err
	}
	if bank.Name, err = obj.optionalString("name"); err != nil {
		return nil, err
	}
	if bank.Short, err = obj.optionalString("short"); err != nil {
		return nil, err
	}
	return &bank, nil
}
