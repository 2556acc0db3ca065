package main

import (
	"fmt"

	"odin/internal/common"
	"odin/internal/config"
	"odin/internal/taskqueue"
)

// ===================
// Search Preferences
// ===================

// GetPreferences returns the last saved search preferences
func (a *App) GetPreferences() (*config.SearchPreferences, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prefs, err := a.preferences.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}
	return prefs, nil
}

// SavePreferences validates and stores search preferences
func (a *App) SavePreferences(prefs *config.SearchPreferences) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := validatePreferences(prefs); err != nil {
		return err
	}
	if err := a.preferences.Save(prefs); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}

	a.log.Debug("preferences saved", "collections", len(prefs.Collections), "mode", prefs.FanOutMode)
	return nil
}

func validatePreferences(prefs *config.SearchPreferences) error {
	if prefs == nil {
		return fmt.Errorf("preferences cannot be nil")
	}
	if prefs.Point != nil {
		if err := prefs.Point.Validate(); err != nil {
			return fmt.Errorf("invalid point: %w", err)
		}
	}
	if prefs.DateRange != nil {
		if err := prefs.DateRange.Validate(); err != nil {
			return err
		}
	}
	if prefs.FanOutMode != "" {
		if err := common.ValidateFanOutMode(prefs.FanOutMode); err != nil {
			return err
		}
	}
	return nil
}

// RememberSearch stores a task's inputs as the new preferences. Attributes
// are only replaced when the task carried a wishlist.
func (a *App) RememberSearch(task *taskqueue.SearchTask) error {
	prefs, err := a.GetPreferences()
	if err != nil {
		return err
	}

	point := task.Point
	prefs.Point = &point
	prefs.Collections = append([]string(nil), task.Collections...)
	prefs.DateRange = nil
	if task.DateRange != nil {
		dr := *task.DateRange
		prefs.DateRange = &dr
	}
	if task.FanOutMode != "" {
		prefs.FanOutMode = task.FanOutMode
	}
	if len(task.Wishlist) > 0 {
		prefs.Attributes = append([]string(nil), task.Wishlist...)
	}

	return a.SavePreferences(prefs)
}
