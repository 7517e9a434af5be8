package models

// All returns every table the gateway owns, in migration order.
func All() []any {
	return []any{
		&APIClient{},
		&Account{},
		&Transaction{},
		&WebhookEvent{},
		&AccessLog{},
		&GatewayCallLog{},
	}
}
