// Package prebuilt generates canned decision logic for reserved
// ad-selection-prebuilt:// URIs instead of fetching it over the network.
package prebuilt

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// Scheme is the reserved URI scheme.
const Scheme = "ad-selection-prebuilt"

const (
	UseCaseAdSelection             = "ad-selection"
	UseCaseAdSelectionFromOutcomes = "ad-selection-from-outcomes"

	HighestBidWins               = "highest-bid-wins"
	WaterfallMediationTruncation = "waterfall-mediation-truncation"
)

var (
	ErrPrebuiltDisabled      = errors.New("prebuilt logic is disabled")
	ErrUnknownPrebuiltLogic  = errors.New("unknown prebuilt logic")
	ErrMissingPrebuiltParams = errors.New("missing prebuilt params")
	ErrUnknownPrebuiltParam  = errors.New("unknown prebuilt param")
	ErrInvalidPrebuiltParam  = errors.New("invalid prebuilt param")
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z][A-Za-z0-9]*)\}`)
var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

type paramKind int

const (
	// stringParam is substituted inside a single quoted JS string.
	stringParam paramKind = iota
	// identifierParam is substituted as a property name.
	identifierParam
)

type template struct {
	script string
	params map[string]paramKind
}

const highestBidWinsJS = `function scoreAd(ad, bid, auction_config, seller_signals, trusted_scoring_signals, contextual_signal, custom_audience_signal) {
    return {'status': 0, 'score': bid};
}

function reportResult(ad_selection_config, render_uri, bid, contextual_signals) {
    let reporting_address = '${reportingUrl}';
    return {'status': 0, 'results': {'signals_for_buyer': '{"signals_for_buyer" : 1}',
        'reporting_uri': reporting_address + '?render_uri=' + render_uri + '?bid=' + bid}};
}
`

const waterfallMediationTruncationJS = `function selectOutcome(outcomes, selection_signals) {
    if (outcomes.length != 1 || selection_signals.${bidFloor} == undefined) return null;

    const outcome_1p = outcomes[0];
    return {'status': 0, 'result': (outcome_1p.bid >= selection_signals.${bidFloor}) ? outcome_1p : null};
}
`

var templates = map[string]map[string]template{
	UseCaseAdSelection: {
		HighestBidWins: {script: highestBidWinsJS, params: map[string]paramKind{"reportingUrl": stringParam}},
	},
	UseCaseAdSelectionFromOutcomes: {
		WaterfallMediationTruncation: {script: waterfallMediationTruncationJS, params: map[string]paramKind{"bidFloor": identifierParam}},
	},
}

// Generator renders prebuilt templates.
type Generator struct {
	enabled bool
}

func NewGenerator(enabled bool) *Generator {
	return &Generator{enabled: enabled}
}

// IsPrebuiltURI reports whether uri uses the reserved scheme.
func IsPrebuiltURI(uri string) bool {
	return strings.HasPrefix(strings.ToLower(uri), Scheme+"://")
}

// IsPrebuiltURI is the method form of the package level check.
func (g *Generator) IsPrebuiltURI(uri string) bool { return IsPrebuiltURI(uri) }

// Validate checks uri as Generate would without producing the script.
func (g *Generator) Validate(uri string) error {
	_, err := g.Generate(uri)
	return err
}

// Generate returns the script for uri with ${param} placeholders substituted
// from its query. Every placeholder must be supplied and no other query
// parameter is accepted.
func (g *Generator) Generate(uri string) (string, error) {
	if !g.enabled {
		return "", ErrPrebuiltDisabled
	}
	u, err := url.Parse(uri)
	if err != nil || !strings.EqualFold(u.Scheme, Scheme) {
		return "", fmt.Errorf("%w: %q is not a prebuilt uri", ErrUnknownPrebuiltLogic, uri)
	}

	useCase := u.Host
	name := strings.Trim(u.Path, "/")
	byName, ok := templates[useCase]
	if !ok {
		return "", fmt.Errorf("%w: unknown use case %q", ErrUnknownPrebuiltLogic, useCase)
	}
	tmpl, ok := byName[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown %s logic %q", ErrUnknownPrebuiltLogic, useCase, name)
	}

	query := u.Query()
	var unknown []string
	for k := range query {
		if _, ok := tmpl.params[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return "", fmt.Errorf("%w: %s", ErrUnknownPrebuiltParam, strings.Join(unknown, ", "))
	}

	var missing []string
	values := make(map[string]string, len(tmpl.params))
	for p, kind := range tmpl.params {
		v := query.Get(p)
		if v == "" {
			missing = append(missing, p)
			continue
		}
		switch kind {
		case identifierParam:
			if !identifierPattern.MatchString(v) {
				return "", fmt.Errorf("%w: %s=%q is not an identifier", ErrInvalidPrebuiltParam, p, v)
			}
		case stringParam:
			v = escapeSingleQuoted(v)
		}
		values[p] = v
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s", ErrMissingPrebuiltParams, strings.Join(missing, ", "))
	}

	return placeholderPattern.ReplaceAllStringFunc(tmpl.script, func(m string) string {
		return values[placeholderPattern.FindStringSubmatch(m)[1]]
	}), nil
}

func escapeSingleQuoted(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return r.Replace(s)
}
