package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only the log level
// and the session stop phrase settings can be applied without a restart;
// everything else is reported as RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// StopPhrasesChanged covers both the phrase list and the match threshold.
	StopPhrasesChanged bool
	NewStopPhrases     []string
	NewThreshold       float64

	// RestartRequired is true when any field outside the hot-reloadable set
	// changed.
	RestartRequired bool
}

// Changed reports whether the diff carries any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.StopPhrasesChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Log.Level
	}

	if !reflect.DeepEqual(old.Session.StopPhrases, new.Session.StopPhrases) ||
		old.Session.StopPhraseThreshold != new.Session.StopPhraseThreshold {
		d.StopPhrasesChanged = true
		d.NewStopPhrases = new.Session.StopPhrases
		d.NewThreshold = new.Session.StopPhraseThreshold
	}

	// Zero the hot-reloadable fields on shallow copies and compare the rest.
	oldCold, newCold := *old, *new
	oldCold.Log.Level, newCold.Log.Level = "", ""
	oldCold.Session.StopPhrases, newCold.Session.StopPhrases = nil, nil
	oldCold.Session.StopPhraseThreshold, newCold.Session.StopPhraseThreshold = 0, 0
	d.RestartRequired = !reflect.DeepEqual(oldCold, newCold)

	return d
}
