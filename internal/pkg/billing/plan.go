package billing

import (
	"fmt"
	"strings"

	"github.com/ManuelReschke/PopGraph/internal/pkg/entitlements"
)

const (
	PlanBasicMonthly = "basic_monthly"
	PlanBasicYearly  = "basic_yearly"
	PlanProMonthly   = "pro_monthly"
	PlanProYearly    = "pro_yearly"
)

// Plan is a purchasable subscription. Prices are in fen.
type Plan struct {
	ID              string            `json:"plan_id"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Tier            entitlements.Tier `json:"tier"`
	DurationDays    int               `json:"duration_days"`
	PriceMinorUnits int64             `json:"price"`
}

// catalog never changes at runtime.
var catalog = []Plan{
	{
		ID:              PlanBasicMonthly,
		Name:            "基础版月卡",
		Description:     "Basic monthly: no watermark, priority queue, 100 images per day",
		Tier:            entitlements.TierBasic,
		DurationDays:    30,
		PriceMinorUnits: 2900,
	},
	{
		ID:              PlanBasicYearly,
		Name:            "基础版年卡",
		Description:     "Basic yearly: no watermark, priority queue, 100 images per day",
		Tier:            entitlements.TierBasic,
		DurationDays:    365,
		PriceMinorUnits: 29900,
	},
	{
		ID:              PlanProMonthly,
		Name:            "专业版月卡",
		Description:     "Professional monthly: scene fusion, unlimited images",
		Tier:            entitlements.TierProfessional,
		DurationDays:    30,
		PriceMinorUnits: 9900,
	},
	{
		ID:              PlanProYearly,
		Name:            "专业版年卡",
		Description:     "Professional yearly: scene fusion, unlimited images",
		Tier:            entitlements.TierProfessional,
		DurationDays:    365,
		PriceMinorUnits: 99900,
	},
}

// Plans returns a copy of the catalog in display order.
func Plans() []Plan {
	out := make([]Plan, len(catalog))
	copy(out, catalog)
	return out
}

// LookupPlan resolves a plan id, case-insensitively.
func LookupPlan(id string) (Plan, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// PriceDisplay renders the price in yuan, e.g. "29.00".
func (p Plan) PriceDisplay() string {
	return FormatAmount(p.PriceMinorUnits)
}

// FormatAmount renders fen as yuan with two decimals.
func FormatAmount(fen int64) string {
	return fmt.Sprintf("%d.%02d", fen/100, fen%100)
}
