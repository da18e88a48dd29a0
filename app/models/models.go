package models

// All lists every model handled by AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Customer{},
		&SubscriptionRecord{},
		&CorporateTenant{},
		&BillingWebhookEvent{},
		&BillingPlanMapping{},
		&RevenueShareAdjustment{},
		&MonthlySettlement{},
		&SettlementShare{},
		&Expense{},
		&BroadcastRun{},
	}
}
