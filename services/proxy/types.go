package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"imagegen-payment-api/models"
)

// FlexString decodes a JSON string or number. The proxy sends transaction ids
// as numbers on some endpoints and as strings on others.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("transaction id is neither string nor number: %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string {
	return string(f)
}

type ChargeRequest struct {
	CardCryptogramPacket string `json:"cardCryptogramPacket"`
	Email                string `json:"email"`
	ProductID            string `json:"productId"`
	AccountID            string `json:"accountId"`
	AppID                string `json:"appId"`
}

// ChargeModel is the nested model block. AcsURL, PaReq and TransactionID are
// only populated when the issuer demands 3-D Secure.
type ChargeModel struct {
	TransactionID FlexString `json:"transactionId"`
	PaReq         string     `json:"paReq"`
	AcsURL        string     `json:"acsUrl"`
	Email         string     `json:"email,omitempty"`
	Status        string     `json:"status,omitempty"`
}

type ChargeResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Model   *ChargeModel `json:"model,omitempty"`
}

type VerifyRequest struct {
	MD    string `json:"MD"`
	PaRes string `json:"PaRes"`
	AppID string `json:"AppId"`
}

type VerifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ActivationRequest struct {
	Action string `json:"action"`
	Token  string `json:"token"`
}

type ActivationResponse struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

type productsResponse struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message"`
	Products []models.Product `json:"products"`
}
