package configload

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Payload date conventions expected by the application API.
const (
	apiDateFormat = "dd MMMM yyyy"
	apiLocale     = "en"
	goDateFormat  = "02 January 2006"
)

// baselineCodes are the minimal dropdown code/value sets every new tenant
// starts with.
var baselineCodes = map[string][]string{
	"Gender":               {"Male", "Female"},
	"ClientType":           {"Individual", "Group"},
	"ClientClassification": {"Retail", "Corporate"},
}

// baselineLoanProducts is the minimal lending catalogue for a new tenant.
// Currency is filled in from the tenant's default at load time.
var baselineLoanProducts = []loanProduct{
	{Name: "Standard Loan", ShortName: "STDL", Principal: 10000, NumberOfRepayments: 12, InterestRatePerPeriod: 12},
}

type loanProduct struct {
	Name                  string
	ShortName             string
	Principal             float64
	NumberOfRepayments    int
	InterestRatePerPeriod float64
}

type office struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type code struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type codeValue struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type createResponse struct {
	ResourceID int64 `json:"resourceId"`
	OfficeID   int64 `json:"officeId"`
}

// BaselineResult reports what the loader converged on.
type BaselineResult struct {
	HeadOfficeID string
}

// Loader pushes the fixed baseline configuration into a tenant's
// application instance. Every object is created with get-or-create
// semantics keyed by natural name, so repeated runs converge rather than
// duplicate.
type Loader struct {
	api            *Client
	headOfficeName string
	currency       string
}

func NewLoader(api *Client, headOfficeName, currency string) *Loader {
	return &Loader{api: api, headOfficeName: headOfficeName, currency: currency}
}

// LoadBaseline ensures the head office, default currency, and baseline
// code sets exist.
func (l *Loader) LoadBaseline(ctx context.Context) (BaselineResult, error) {
	officeID, err := l.ensureHeadOffice(ctx)
	if err != nil {
		return BaselineResult{}, err
	}
	if err := l.ensureCurrencies(ctx); err != nil {
		return BaselineResult{}, err
	}
	if err := l.ensureCodes(ctx); err != nil {
		return BaselineResult{}, err
	}
	if err := l.ensureLoanProducts(ctx); err != nil {
		return BaselineResult{}, err
	}
	return BaselineResult{HeadOfficeID: fmt.Sprintf("%d", officeID)}, nil
}

func (l *Loader) ensureHeadOffice(ctx context.Context) (int64, error) {
	var offices []office
	if err := l.api.get(ctx, "/offices", &offices); err != nil {
		return 0, err
	}
	for _, o := range offices {
		if o.Name == l.headOfficeName {
			log.Debug().Str("office", o.Name).Int64("id", o.ID).Msg("Office already exists, skipping")
			return o.ID, nil
		}
	}

	payload := map[string]interface{}{
		"name":        l.headOfficeName,
		"openingDate": time.Now().Format(goDateFormat),
		"dateFormat":  apiDateFormat,
		"locale":      apiLocale,
	}
	var created createResponse
	if err := l.api.post(ctx, "/offices", payload, &created); err != nil {
		return 0, err
	}
	id := created.ResourceID
	if id == 0 {
		id = created.OfficeID
	}
	log.Info().Str("office", l.headOfficeName).Int64("id", id).Msg("Office created")
	return id, nil
}

func (l *Loader) ensureCurrencies(ctx context.Context) error {
	// The currencies endpoint replaces the selection wholesale, which is
	// idempotent by construction.
	payload := map[string]interface{}{"currencies": []string{l.currency}}
	if err := l.api.put(ctx, "/currencies", payload, nil); err != nil {
		return err
	}
	log.Info().Str("currency", l.currency).Msg("Currency selection applied")
	return nil
}

func (l *Loader) ensureCodes(ctx context.Context) error {
	var existing []code
	if err := l.api.get(ctx, "/codes", &existing); err != nil {
		return err
	}
	byName := make(map[string]int64, len(existing))
	for _, c := range existing {
		byName[c.Name] = c.ID
	}

	for name, values := range baselineCodes {
		id, ok := byName[name]
		if !ok {
			var created createResponse
			if err := l.api.post(ctx, "/codes", map[string]string{"name": name}, &created); err != nil {
				return err
			}
			id = created.ResourceID
			log.Info().Str("code", name).Int64("id", id).Msg("Code created")
		}
		if err := l.ensureCodeValues(ctx, id, name, values); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) ensureCodeValues(ctx context.Context, codeID int64, codeName string, values []string) error {
	var existing []codeValue
	if err := l.api.get(ctx, fmt.Sprintf("/codes/%d/codevalues", codeID), &existing); err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, v := range existing {
		present[v.Name] = true
	}

	for i, v := range values {
		if present[v] {
			log.Debug().Str("code", codeName).Str("value", v).Msg("Code value already exists, skipping")
			continue
		}
		payload := map[string]interface{}{"name": v, "position": i + 1}
		if err := l.api.post(ctx, fmt.Sprintf("/codes/%d/codevalues", codeID), payload, nil); err != nil {
			return err
		}
		log.Info().Str("code", codeName).Str("value", v).Msg("Code value created")
	}
	return nil
}

type listedProduct struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (l *Loader) ensureLoanProducts(ctx context.Context) error {
	var existing []listedProduct
	if err := l.api.get(ctx, "/loanproducts", &existing); err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for _, p := range existing {
		byName[p.Name] = true
	}

	for _, p := range baselineLoanProducts {
		if byName[p.Name] {
			log.Debug().Str("product", p.Name).Msg("Loan product already exists, skipping")
			continue
		}
		payload := map[string]interface{}{
			"name":                            p.Name,
			"shortName":                       p.ShortName,
			"currencyCode":                    l.currency,
			"digitsAfterDecimal":              2,
			"principal":                       p.Principal,
			"numberOfRepayments":              p.NumberOfRepayments,
			"repaymentEvery":                  1,
			"repaymentFrequencyType":          2,
			"interestRatePerPeriod":           p.InterestRatePerPeriod,
			"interestRateFrequencyType":       3,
			"amortizationType":                1,
			"interestType":                    0,
			"interestCalculationPeriodType":   1,
			"transactionProcessingStrategyId": 1,
			"locale":                          apiLocale,
		}
		if err := l.api.post(ctx, "/loanproducts", payload, nil); err != nil {
			return err
		}
		log.Info().Str("product", p.Name).Msg("Loan product created")
	}
	return nil
}

// ListOfficeNames returns the names of all offices visible to the client.
// Used by the access verifier with the new admin's token.
func (l *Loader) ListOfficeNames(ctx context.Context) ([]string, error) {
	var offices []office
	if err := l.api.get(ctx, "/offices", &offices); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(offices))
	for _, o := range offices {
		names = append(names, o.Name)
	}
	return names, nil
}
