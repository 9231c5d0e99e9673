package services

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"realtor-tracker/models"
	"realtor-tracker/utils"
)

const siteBaseURL = "https://www.realtor.ca"

var (
	// priceRegexp captures the first numeric amount in a price string
	priceRegexp = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	// postalRegexp captures a trailing Canadian postal code (A1A 1A1 or A1A1A1)
	postalRegexp = regexp.MustCompile(`(?i)([A-Z]\d[A-Z]\s?\d[A-Z]\d)$`)
	// cityProvinceRegexp matches "City (Area), Province"
	cityProvinceRegexp = regexp.MustCompile(`^([^,]+),\s*(\w+)\s*$`)
	// areaSuffixRegexp strips a trailing "(South West)" style area descriptor
	areaSuffixRegexp = regexp.MustCompile(`\s*\([^)]+\)\s*$`)
)

// Cleaner transforms RawListings into validated ListingRecords. It is the
// ingestion boundary: keys are trimmed, dates and postal codes normalised.
type Cleaner struct {
	logger   *utils.Logger
	validate *validator.Validate
}

// NewCleaner creates a Cleaner with the given logger.
func NewCleaner(logger *utils.Logger) *Cleaner {
	return &Cleaner{logger: logger, validate: validator.New()}
}

// Clean processes raw listings and returns cleaned records. Rows without a
// key are dropped with a warning; repeated keys keep the last observation.
func (c *Cleaner) Clean(raw []*models.RawListing) []*models.ListingRecord {
	seen := make(map[models.ListingKey]int, len(raw))
	result := make([]*models.ListingRecord, 0, len(raw))

	for _, r := range raw {
		if r == nil {
			continue
		}
		key := models.ListingKey(strings.TrimSpace(r.MLSNumber))
		if !key.Valid() {
			c.logger.Warn("[cleaner] Dropping listing with empty MLS number: %q", r.AddressText)
			continue
		}

		rec := c.toRecord(key, r)
		if err := c.validate.Struct(rec); err != nil {
			c.logger.Warn("[cleaner] Dropping listing %s: %v", key, err)
			continue
		}

		if i, dup := seen[key]; dup {
			c.logger.Debug("[cleaner] Duplicate MLS number %s, keeping latest", key)
			result[i] = rec
			continue
		}
		seen[key] = len(result)
		result = append(result, rec)
	}

	c.logger.Info("[cleaner] Cleaned %d → %d listings (dropped %d)",
		len(raw), len(result), len(raw)-len(result))
	return result
}

func (c *Cleaner) toRecord(key models.ListingKey, r *models.RawListing) *models.ListingRecord {
	address := normaliseText(r.AddressText)
	parsed := parseAddress(address)

	postal := normalisePostal(r.PostalCode)
	if postal == "" {
		postal = parsed.postalCode
	}

	url := strings.TrimSpace(r.RelativeURL)
	if url != "" && !strings.HasPrefix(url, "http") {
		url = siteBaseURL + url
	}

	return &models.ListingRecord{
		Key: key,
		ListingAttributes: models.ListingAttributes{
			Price:   c.parsePrice(key, r.Price),
			Address: address,
			Kind:    c.parseKind(key, r.Kind),
			Details: models.ListingDetails{
				StreetAddress: parsed.street,
				City:          parsed.city,
				Province:      parsed.province,
				PostalCode:    postal,
				Bedrooms:      normaliseText(r.Bedrooms),
				Bathrooms:     normaliseText(r.Bathrooms),
				Parking:       normaliseText(r.Parking),
				SquareFootage: normaliseText(r.SquareFootage),
				LotSize:       normaliseText(r.LotSize),
				PropertyType:  normaliseText(r.PropertyType),
				URL:           url,
				ListedDate:    models.ParseDate(r.InsertedDate),
			},
		},
	}
}

// parsePrice extracts the first amount from a price string.
// Examples:
//
//	"$1,250,000"       → 1250000
//	"$2,500/Monthly"   → 2500
//	"Price on request" → 0 (unknown)
func (c *Cleaner) parsePrice(key models.ListingKey, raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}

	match := priceRegexp.FindString(raw)
	if match == "" {
		c.logger.Warn("[cleaner] Unparseable price %q for %s, storing 0", raw, key)
		return 0
	}

	val, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil || val < 0 {
		c.logger.Warn("[cleaner] Unparseable price %q for %s, storing 0", raw, key)
		return 0
	}
	return int64(math.Round(val))
}

// parseKind maps the scraper's transaction label (or realtor transaction type
// id) onto a TransactionKind. Unknown labels default to sale.
func (c *Cleaner) parseKind(key models.ListingKey, raw string) models.TransactionKind {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sale", "for sale", "2":
		return models.KindSale
	case "rent", "for rent", "lease", "for lease", "3":
		return models.KindRent
	}
	c.logger.Warn("[cleaner] Unknown transaction type %q for %s, assuming sale", raw, key)
	return models.KindSale
}

type addressParts struct {
	street     string
	city       string
	province   string
	postalCode string
}

// parseAddress splits "408 FAIRALL STREET|Ajax (South West), Ontario L1S1R6"
// into street, city, province and postal code.
func parseAddress(addressText string) addressParts {
	var out addressParts
	if addressText == "" {
		return out
	}

	parts := strings.SplitN(addressText, "|", 2)
	out.street = strings.TrimSpace(parts[0])
	if len(parts) < 2 {
		return out
	}

	location := strings.TrimSpace(parts[1])
	if m := postalRegexp.FindStringSubmatch(location); len(m) == 2 {
		out.postalCode = normalisePostal(m[1])
		location = strings.TrimSpace(postalRegexp.ReplaceAllString(location, ""))
	}

	if m := cityProvinceRegexp.FindStringSubmatch(location); len(m) == 3 {
		out.city = strings.TrimSpace(areaSuffixRegexp.ReplaceAllString(strings.TrimSpace(m[1]), ""))
		out.province = strings.TrimSpace(m[2])
	}
	return out
}

// normalisePostal uppercases a postal code and removes all whitespace.
func normalisePostal(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	fields := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
