package checkout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegen-payment-api/services/proxy"
)

func TestClassifyCharge(t *testing.T) {
	tests := []struct {
		name    string
		resp    *proxy.ChargeResponse
		outcome Outcome
		wantErr error
	}{
		{
			name:    "success ignores model",
			resp:    &proxy.ChargeResponse{Success: true, Model: &proxy.ChargeModel{AcsURL: "https://acs.bank", PaReq: "X", TransactionID: "1"}},
			outcome: OutcomeSuccess,
		},
		{
			name:    "complete step-up",
			resp:    &proxy.ChargeResponse{Model: &proxy.ChargeModel{AcsURL: "https://acs.bank", PaReq: "X", TransactionID: "1"}},
			outcome: OutcomeStepUp,
		},
		{
			name:    "missing paReq",
			resp:    &proxy.ChargeResponse{Model: &proxy.ChargeModel{AcsURL: "https://acs.bank", TransactionID: "1"}},
			wantErr: ErrStepUpDataIncomplete,
		},
		{
			name:    "missing acsUrl",
			resp:    &proxy.ChargeResponse{Model: &proxy.ChargeModel{PaReq: "X", TransactionID: "1"}},
			wantErr: ErrStepUpDataIncomplete,
		},
		{
			name:    "missing transactionId",
			resp:    &proxy.ChargeResponse{Model: &proxy.ChargeModel{AcsURL: "https://acs.bank", PaReq: "X"}},
			wantErr: ErrStepUpDataIncomplete,
		},
		{
			name:    "decline with transaction id",
			resp:    &proxy.ChargeResponse{Message: "Declined", Model: &proxy.ChargeModel{TransactionID: "1", Status: "Declined"}},
			wantErr: ErrChargeRejected,
		},
		{
			name:    "plain decline",
			resp:    &proxy.ChargeResponse{Message: "Declined"},
			wantErr: ErrChargeRejected,
		},
		{
			name:    "nil response",
			wantErr: ErrChargeRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ClassifyCharge(tt.resp)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, got.Outcome)
			if tt.outcome == OutcomeStepUp {
				assert.True(t, got.Challenge.Complete())
			}
		})
	}
}
