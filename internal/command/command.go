// Package command decodes the free-form chat inputs the gateway forwards:
// asset definition lines, asset-id selections, and moderator callback tokens.
// The workflow engine never sees raw text; it receives the structured results.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"grovekeeper/internal/domain"
)

// ErrMalformedAssetDefinition rejects an asset definition line that does not
// match the expected field layout.
var ErrMalformedAssetDefinition = errors.New("malformed asset definition")

// assetDefinitionFields is the layout of an admin asset definition line:
// ID;species;planted;planter;role;description;waterDays;cleanDays
const assetDefinitionFields = 8

// ParseAssetDefinition decodes a semicolon-separated asset definition line.
func ParseAssetDefinition(line string) (domain.Asset, error) {
	parts := strings.Split(line, ";")
	if len(parts) != assetDefinitionFields {
		return domain.Asset{}, fmt.Errorf("%w: expected %d fields, got %d", ErrMalformedAssetDefinition, assetDefinitionFields, len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	id := strings.ToUpper(parts[0])
	if id == "" {
		return domain.Asset{}, fmt.Errorf("%w: empty asset id", ErrMalformedAssetDefinition)
	}
	water, err := strconv.Atoi(parts[6])
	if err != nil || water <= 0 {
		return domain.Asset{}, fmt.Errorf("%w: bad water interval %q", ErrMalformedAssetDefinition, parts[6])
	}
	clean, err := strconv.Atoi(parts[7])
	if err != nil || clean <= 0 {
		return domain.Asset{}, fmt.Errorf("%w: bad clean interval %q", ErrMalformedAssetDefinition, parts[7])
	}
	planter := parts[3]
	if parts[4] != "" {
		planter = fmt.Sprintf("%s (%s)", parts[3], parts[4])
	}
	return domain.Asset{
		ID:                id,
		Species:           parts[1],
		PlantedAt:         parts[2],
		Planter:           planter,
		Description:       parts[5],
		WaterIntervalDays: water,
		CleanIntervalDays: clean,
	}, nil
}

// IsAssetSelection reports whether a text message looks like an asset id
// rather than a command or definition line.
func IsAssetSelection(text string) bool {
	t := strings.TrimSpace(text)
	return t != "" && !strings.Contains(t, ";") && len(strings.Fields(t)) == 1
}

// ParseDecisionToken decodes the delimited callback form kind_assetID_action
// used on moderator decision buttons. Only the transport boundary deals with
// this encoding.
func ParseDecisionToken(raw string) (domain.DecisionToken, error) {
	parts := strings.Split(raw, "_")
	if len(parts) != 3 {
		return domain.DecisionToken{}, fmt.Errorf("malformed decision token %q", raw)
	}
	kind, err := domain.ParseDecision(parts[0])
	if err != nil {
		return domain.DecisionToken{}, fmt.Errorf("malformed decision token %q: %w", raw, err)
	}
	action, err := domain.ParseAction(parts[2])
	if err != nil {
		return domain.DecisionToken{}, fmt.Errorf("malformed decision token %q: %w", raw, err)
	}
	assetID := strings.ToUpper(strings.TrimSpace(parts[1]))
	if assetID == "" {
		return domain.DecisionToken{}, fmt.Errorf("malformed decision token %q: empty asset id", raw)
	}
	return domain.DecisionToken{Kind: kind, AssetID: assetID, Action: action}, nil
}

// FormatDecisionToken renders the callback encoding for outbound decision
// buttons.
func FormatDecisionToken(t domain.DecisionToken) string {
	return fmt.Sprintf("%s_%s_%s", t.Kind, t.AssetID, t.Action)
}
