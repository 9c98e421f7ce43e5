package payments

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/billingcore/pkg/billing"
)

// ProvidersConfig is the provider credentials file. A provider without a
// section, or with enabled: false, is disabled.
type ProvidersConfig struct {
	// Currency is the ledger currency all amounts are converted into
	Currency string `yaml:"currency" validate:"required,len=3"`

	YooKassa  *YooKassaConfig  `yaml:"yookassa"`
	CryptoBot *CryptoBotConfig `yaml:"cryptobot"`
	Heleket   *HeleketConfig   `yaml:"heleket"`
	MulenPay  *MulenPayConfig  `yaml:"mulenpay"`
	Pal24     *Pal24Config     `yaml:"pal24"`
	Wata      *WataConfig      `yaml:"wata"`
	Stars     *StarsConfig     `yaml:"stars"`
	Tribute   *TributeConfig   `yaml:"tribute"`
}

var validate = validator.New()

// Validate checks the enabled provider sections
func (c *ProvidersConfig) Validate() error {
	if err := validate.Struct(struct {
		Currency string `validate:"required,len=3"`
	}{c.Currency}); err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	sections := []struct {
		name    string
		enabled bool
		cfg     interface{}
	}{
		{"yookassa", c.YooKassa != nil && c.YooKassa.Enabled, c.YooKassa},
		{"cryptobot", c.CryptoBot != nil && c.CryptoBot.Enabled, c.CryptoBot},
		{"heleket", c.Heleket != nil && c.Heleket.Enabled, c.Heleket},
		{"mulenpay", c.MulenPay != nil && c.MulenPay.Enabled, c.MulenPay},
		{"pal24", c.Pal24 != nil && c.Pal24.Enabled, c.Pal24},
		{"wata", c.Wata != nil && c.Wata.Enabled, c.Wata},
		{"stars", c.Stars != nil && c.Stars.Enabled, c.Stars},
		{"tribute", c.Tribute != nil && c.Tribute.Enabled, c.Tribute},
	}
	var errs []error
	for _, s := range sections {
		if !s.enabled {
			continue
		}
		if err := validate.Struct(s.cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// LoadProviders reads and validates a provider credentials file
func LoadProviders(path string) (*ProvidersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewRegistry builds the adapters of every enabled provider. client is used
// by adapters that call provider APIs.
func NewRegistry(cfg *ProvidersConfig, client *http.Client) (*Registry, error) {
	var (
		adapters []Adapter
		disabled []billing.ProviderID
	)
	money := func(rates map[string]string) (Money, error) {
		return NewMoney(cfg.Currency, rates)
	}
	base, err := money(nil)
	if err != nil {
		return nil, err
	}

	if c := cfg.YooKassa; c != nil && c.Enabled {
		a, err := NewYooKassa(*c, base, client)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	} else {
		disabled = append(disabled, billing.ProviderYooKassa)
	}

	if c := cfg.CryptoBot; c != nil && c.Enabled {
		m, err := money(c.Rates)
		if err != nil {
			return nil, fmt.Errorf("cryptobot: %w", err)
		}
		adapters = append(adapters, NewCryptoBot(*c, m))
	} else {
		disabled = append(disabled, billing.ProviderCryptoBot)
	}

	if c := cfg.Heleket; c != nil && c.Enabled {
		m, err := money(c.Rates)
		if err != nil {
			return nil, fmt.Errorf("heleket: %w", err)
		}
		adapters = append(adapters, NewHeleket(*c, m))
	} else {
		disabled = append(disabled, billing.ProviderHeleket)
	}

	if c := cfg.MulenPay; c != nil && c.Enabled {
		adapters = append(adapters, NewMulenPay(*c, base))
	} else {
		disabled = append(disabled, billing.ProviderMulenPay)
	}

	if c := cfg.Pal24; c != nil && c.Enabled {
		adapters = append(adapters, NewPal24(*c, base))
	} else {
		disabled = append(disabled, billing.ProviderPal24)
	}

	if c := cfg.Wata; c != nil && c.Enabled {
		a, err := NewWata(*c, base)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	} else {
		disabled = append(disabled, billing.ProviderWata)
	}

	if c := cfg.Stars; c != nil && c.Enabled {
		a, err := NewStars(*c, base)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	} else {
		disabled = append(disabled, billing.ProviderStars)
	}

	if c := cfg.Tribute; c != nil && c.Enabled {
		adapters = append(adapters, NewTribute(*c, base))
	} else {
		disabled = append(disabled, billing.ProviderTribute)
	}

	return NewRegistryFromAdapters(adapters, disabled...), nil
}
