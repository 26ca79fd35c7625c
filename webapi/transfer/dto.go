package transfer

// SubmitTransferRequest is the POST /transfers body.
type SubmitTransferRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
	SourceID       string `json:"source_account_id" validate:"required,uuid"`
	DestID         string `json:"dest_account_id" validate:"required,uuid"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Currency       string `json:"currency" validate:"omitempty,len=3"`
	Description    string `json:"description" validate:"omitempty,max=256"`
}

// SubmitPaymentRequest is the POST /payments body.
type SubmitPaymentRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=128"`
	SourceID       string `json:"source_account_id" validate:"required,uuid"`
	DestID         string `json:"dest_account_id" validate:"required,uuid"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Currency       string `json:"currency" validate:"omitempty,len=3"`
	PaymentMethod  string `json:"payment_method" validate:"required,max=64"`
	Description    string `json:"description" validate:"omitempty,max=256"`
}
