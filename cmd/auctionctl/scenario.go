package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/radiusdt/adselection/internal/models"
	"github.com/radiusdt/adselection/internal/storage"
)

// Scenario describes one local auction: the seller config, the audiences on
// the device and the scripts that stand in for the ad tech servers.
type Scenario struct {
	Caller string `yaml:"caller"`

	Seller                models.AdTechIdentifier            `yaml:"seller"`
	DecisionLogicURI      string                             `yaml:"decision_logic_uri"`
	DecisionLogicFile     string                             `yaml:"decision_logic_file"`
	AuctionSignals        string                             `yaml:"auction_signals"`
	SellerSignals         string                             `yaml:"seller_signals"`
	PerBuyerSignals       map[models.AdTechIdentifier]string `yaml:"per_buyer_signals"`
	TrustedScoringSignals string                             `yaml:"trusted_scoring_signals"`

	Audiences     []ScenarioAudience   `yaml:"audiences"`
	ContextualAds []ScenarioContextual `yaml:"contextual_ads"`

	// Report runs impression reporting for the winner.
	Report bool `yaml:"report"`

	dir string
}

type ScenarioAudience struct {
	Buyer                 models.AdTechIdentifier `yaml:"buyer"`
	Name                  string                  `yaml:"name"`
	BiddingLogicURI       string                  `yaml:"bidding_logic_uri"`
	BiddingLogicFile      string                  `yaml:"bidding_logic_file"`
	UserBiddingSignals    string                  `yaml:"user_bidding_signals"`
	TrustedBiddingSignals string                  `yaml:"trusted_bidding_signals"`
	Ads                   []ScenarioAd            `yaml:"ads"`
}

type ScenarioContextual struct {
	Buyer            models.AdTechIdentifier `yaml:"buyer"`
	DecisionLogicURI string                  `yaml:"decision_logic_uri"`
	Ads              []ScenarioAd            `yaml:"ads"`
}

type ScenarioAd struct {
	RenderURI     string   `yaml:"render_uri"`
	Metadata      string   `yaml:"metadata"`
	AdCounterKeys []string `yaml:"ad_counter_keys"`
	Bid           float64  `yaml:"bid"`
}

// LoadScenario reads a scenario file. Script paths are resolved relative to it.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sc.dir = filepath.Dir(path)
	return sc, nil
}

// ParseScenario decodes and checks scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if sc.Caller == "" {
		sc.Caller = "com.example.app"
	}
	if sc.Seller == "" {
		return nil, fmt.Errorf("seller is required")
	}
	if sc.DecisionLogicURI == "" {
		return nil, fmt.Errorf("decision_logic_uri is required")
	}
	for i, a := range sc.Audiences {
		if a.Buyer == "" || a.Name == "" {
			return nil, fmt.Errorf("audience %d: buyer and name are required", i)
		}
	}
	return &sc, nil
}

// Config returns the auction config. Every audience buyer takes part.
func (sc *Scenario) Config() (models.AdSelectionConfig, error) {
	cfg := models.AdSelectionConfig{
		Seller:           sc.Seller,
		DecisionLogicURI: sc.DecisionLogicURI,
	}
	var err error
	if cfg.AdSelectionSignals, err = models.ParseSignals(sc.AuctionSignals); err != nil {
		return cfg, fmt.Errorf("auction_signals: %w", err)
	}
	if cfg.SellerSignals, err = models.ParseSignals(sc.SellerSignals); err != nil {
		return cfg, fmt.Errorf("seller_signals: %w", err)
	}

	seen := make(map[models.AdTechIdentifier]bool)
	for _, a := range sc.Audiences {
		if !seen[a.Buyer] {
			seen[a.Buyer] = true
			cfg.CustomAudienceBuyers = append(cfg.CustomAudienceBuyers, a.Buyer)
		}
	}

	if len(sc.PerBuyerSignals) > 0 {
		cfg.PerBuyerSignals = make(map[models.AdTechIdentifier]models.AdSelectionSignals, len(sc.PerBuyerSignals))
		for buyer, raw := range sc.PerBuyerSignals {
			s, err := models.ParseSignals(raw)
			if err != nil {
				return cfg, fmt.Errorf("per_buyer_signals[%s]: %w", buyer, err)
			}
			cfg.PerBuyerSignals[buyer] = s
		}
	}

	if len(sc.ContextualAds) > 0 {
		cfg.BuyerContextualAds = make(map[models.AdTechIdentifier]models.ContextualAds, len(sc.ContextualAds))
		for _, c := range sc.ContextualAds {
			ads := models.ContextualAds{Buyer: c.Buyer, DecisionLogicURI: c.DecisionLogicURI}
			for _, ad := range c.Ads {
				cand, err := ad.candidate()
				if err != nil {
					return cfg, err
				}
				ads.AdsWithBid = append(ads.AdsWithBid, models.AdWithBid{Ad: cand, Bid: ad.Bid})
			}
			cfg.BuyerContextualAds[c.Buyer] = ads
		}
	}
	return cfg, nil
}

// CustomAudiences returns the audiences, active from now on for a day.
func (sc *Scenario) CustomAudiences(now time.Time) ([]models.CustomAudience, error) {
	out := make([]models.CustomAudience, 0, len(sc.Audiences))
	for _, a := range sc.Audiences {
		user, err := models.ParseSignals(a.UserBiddingSignals)
		if err != nil {
			return nil, fmt.Errorf("audience %s: %w", a.Name, err)
		}
		uri := a.BiddingLogicURI
		if uri == "" {
			uri = fmt.Sprintf("https://%s/bidding.js", a.Buyer)
		}
		ca := models.CustomAudience{
			Owner:                        sc.Caller,
			Buyer:                        a.Buyer,
			Name:                         a.Name,
			ActivationTime:               now.Add(-time.Minute),
			ExpirationTime:               now.Add(24 * time.Hour),
			LastAdsAndBiddingDataUpdated: now,
			UserBiddingSignals:           user,
			BiddingLogicURI:              uri,
		}
		for _, ad := range a.Ads {
			cand, err := ad.candidate()
			if err != nil {
				return nil, err
			}
			ca.Ads = append(ca.Ads, cand)
		}
		if err := ca.Validate(); err != nil {
			return nil, fmt.Errorf("audience %s: %w", a.Name, err)
		}
		out = append(out, ca)
	}
	return out, nil
}

// Overrides returns the developer overrides for every script the scenario
// supplies inline. cfg must be the config returned by Config.
func (sc *Scenario) Overrides(cfg models.AdSelectionConfig) ([]storage.CustomAudienceOverride, *storage.AdSelectionOverride, error) {
	var cas []storage.CustomAudienceOverride
	for _, a := range sc.Audiences {
		if a.BiddingLogicFile == "" {
			continue
		}
		js, err := sc.readScript(a.BiddingLogicFile)
		if err != nil {
			return nil, nil, err
		}
		trusted, err := models.ParseSignals(a.TrustedBiddingSignals)
		if err != nil {
			return nil, nil, fmt.Errorf("audience %s: %w", a.Name, err)
		}
		cas = append(cas, storage.CustomAudienceOverride{
			Owner:                 sc.Caller,
			Buyer:                 a.Buyer,
			Name:                  a.Name,
			BiddingLogicJS:        js,
			TrustedBiddingSignals: trusted,
		})
	}

	if sc.DecisionLogicFile == "" {
		return cas, nil, nil
	}
	js, err := sc.readScript(sc.DecisionLogicFile)
	if err != nil {
		return nil, nil, err
	}
	trusted, err := models.ParseSignals(sc.TrustedScoringSignals)
	if err != nil {
		return nil, nil, fmt.Errorf("trusted_scoring_signals: %w", err)
	}
	return cas, &storage.AdSelectionOverride{
		ConfigID:              cfg.OverrideID(),
		DecisionLogicJS:       js,
		TrustedScoringSignals: trusted,
	}, nil
}

func (sc *Scenario) readScript(name string) (string, error) {
	if !filepath.IsAbs(name) {
		name = filepath.Join(sc.dir, name)
	}
	b, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("reading script: %w", err)
	}
	return string(b), nil
}

func (ad ScenarioAd) candidate() (models.AdCandidate, error) {
	return models.NewAdCandidate(ad.RenderURI, ad.Metadata, ad.AdCounterKeys, nil)
}
