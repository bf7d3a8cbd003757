/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"sync"

	"sigs.k8s.io/yaml"
)

// Provider serves the typed settings. Implementations must be safe for
// concurrent use; callers read settings at batch or fire boundaries so a
// running batch never sees a mid-flight change.
type Provider interface {
	DataSync() DataSyncSettings
	Analytics() AnalyticsSettings
	Export() ExportSettings
	CPALevelAmounts() CPALevelAmounts
	CPAValidationRules() CPAValidationRules

	// Subscribe registers a callback invoked with the setting key after an
	// update. Callbacks run on the updater's goroutine and must not block.
	Subscribe(fn func(key string))
}

// StaticProvider is a Provider backed by in-memory values: defaults overlaid
// with an optional settings file, mutable at runtime through the Set methods.
type StaticProvider struct {
	mu        sync.RWMutex
	dataSync  DataSyncSettings
	analytics AnalyticsSettings
	export    ExportSettings
	cpaLevels CPALevelAmounts
	cpaRules  CPAValidationRules
	subs      []func(key string)
}

// settingsFile is the YAML document shape for a settings override file. All
// sections are optional; absent sections keep their defaults.
type settingsFile struct {
	DataSync           *DataSyncSettings   `json:"data_sync_settings,omitempty"`
	Analytics          *AnalyticsSettings  `json:"analytics_settings,omitempty"`
	Export             *ExportSettings     `json:"export_settings,omitempty"`
	CPALevelAmounts    *CPALevelAmounts    `json:"cpa_level_amounts,omitempty"`
	CPAValidationRules *CPAValidationRules `json:"cpa_validation_rules,omitempty"`
}

// NewStaticProvider creates a provider holding the default settings.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		dataSync:  DefaultDataSyncSettings(),
		analytics: DefaultAnalyticsSettings(),
		export:    DefaultExportSettings(),
		cpaLevels: DefaultCPALevelAmounts(),
		cpaRules:  DefaultCPAValidationRules(),
	}
}

// LoadProvider creates a provider from defaults overlaid with the YAML
// settings file at path. An empty path returns pure defaults.
func LoadProvider(path string) (*StaticProvider, error) {
	p := NewStaticProvider()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading settings file: %w", err)
	}
	var f settingsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing settings file: %w", err)
	}
	if f.DataSync != nil {
		if err := f.DataSync.Validate(); err != nil {
			return nil, err
		}
		p.dataSync = *f.DataSync
	}
	if f.Analytics != nil {
		p.analytics = *f.Analytics
	}
	if f.Export != nil {
		p.export = *f.Export
	}
	if f.CPALevelAmounts != nil {
		p.cpaLevels = *f.CPALevelAmounts
	}
	if f.CPAValidationRules != nil {
		p.cpaRules = *f.CPAValidationRules
	}
	return p, nil
}

func (p *StaticProvider) DataSync() DataSyncSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dataSync
}

func (p *StaticProvider) Analytics() AnalyticsSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.analytics
}

func (p *StaticProvider) Export() ExportSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.export
}

func (p *StaticProvider) CPALevelAmounts() CPALevelAmounts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cpaLevels
}

func (p *StaticProvider) CPAValidationRules() CPAValidationRules {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cpaRules
}

// Subscribe registers an update callback.
func (p *StaticProvider) Subscribe(fn func(key string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// SetDataSync replaces the sync settings and notifies subscribers.
func (p *StaticProvider) SetDataSync(s DataSyncSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.dataSync = s
	subs := append([]func(string){}, p.subs...)
	p.mu.Unlock()
	notify(subs, KeyDataSync)
	return nil
}

// SetAnalytics replaces the analytics settings and notifies subscribers.
func (p *StaticProvider) SetAnalytics(s AnalyticsSettings) {
	p.mu.Lock()
	p.analytics = s
	subs := append([]func(string){}, p.subs...)
	p.mu.Unlock()
	notify(subs, KeyAnalytics)
}

// SetExport replaces the export settings and notifies subscribers.
func (p *StaticProvider) SetExport(s ExportSettings) {
	p.mu.Lock()
	p.export = s
	subs := append([]func(string){}, p.subs...)
	p.mu.Unlock()
	notify(subs, KeyExport)
}

// SetCPALevelAmounts replaces the payout table and notifies subscribers.
func (p *StaticProvider) SetCPALevelAmounts(a CPALevelAmounts) {
	p.mu.Lock()
	p.cpaLevels = a
	subs := append([]func(string){}, p.subs...)
	p.mu.Unlock()
	notify(subs, KeyCPALevelAmounts)
}

// SetCPAValidationRules replaces the qualification rules and notifies
// subscribers.
func (p *StaticProvider) SetCPAValidationRules(r CPAValidationRules) {
	p.mu.Lock()
	p.cpaRules = r
	subs := append([]func(string){}, p.subs...)
	p.mu.Unlock()
	notify(subs, KeyCPAValidationRules)
}

func notify(subs []func(string), key string) {
	for _, fn := range subs {
		fn(key)
	}
}
