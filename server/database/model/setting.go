package dbmodel

import (
	"strconv"

	"github.com/pkg/errors"

	dbops "github.com/metalyard/region/server/database"
)

// This module provides global settings that can be used anywhere in the code.
// All settings with their default values are defined in the defaultSettings
// table. Getters are used around the code where a given setting is needed.

// Valid data types for settings.
const (
	SettingValTypeInt    = 1
	SettingValTypeBool   = 2
	SettingValTypeStr    = 3
	SettingValTypePasswd = 4
)

// Names of the settings.
const (
	SettingOMAPIKey                 = "omapi_key"
	SettingNTPServers               = "ntp_servers"
	SettingDefaultDomain            = "default_domain"
	SettingMAASURL                  = "maas_url"
	SettingPodRefreshInterval       = "pod_refresh_interval"
	SettingMetricsCollectorInterval = "metrics_collector_interval"
)

// Represents a setting held in setting table in the database.
type Setting struct {
	tableName struct{} `pg:"setting"` //nolint:unused
	ID        int64    `pg:"id,pk"`
	Name      string   `pg:"name"`
	ValType   int64    `pg:"val_type"`
	Value     string   `pg:"value,use_zero"`
}

func init() {
	dbops.RegisterTable("setting", (*Setting)(nil),
		dbops.Index{Name: "name", Field: "Name", Unique: true})
}

var defaultSettings = []Setting{
	{Name: SettingOMAPIKey, ValType: SettingValTypePasswd, Value: ""},
	{Name: SettingNTPServers, ValType: SettingValTypeStr, Value: ""},
	{Name: SettingDefaultDomain, ValType: SettingValTypeStr, Value: "maas"},
	{Name: SettingMAASURL, ValType: SettingValTypeStr, Value: "http://localhost:5240/MAAS"},
	{Name: SettingPodRefreshInterval, ValType: SettingValTypeInt, Value: "300"}, // in seconds
	{Name: SettingMetricsCollectorInterval, ValType: SettingValTypeInt, Value: "10"}, // in seconds
}

// Inserts the default settings which are not in the database yet.
// Existing settings keep their values.
func InitializeSettings(tx dbops.Tx) error {
	for i := range defaultSettings {
		_, err := GetSetting(tx, defaultSettings[i].Name)
		if err == nil {
			continue
		} else if !errors.Is(err, dbops.ErrNotFound) {
			return err
		}
		setting := defaultSettings[i]
		if err := dbops.Insert(tx, &setting); err != nil {
			return errors.WithMessagef(err, "problem inserting default setting %s", setting.Name)
		}
	}
	return nil
}

// Get setting record from db based on its name.
func GetSetting(tx dbops.Tx, name string) (*Setting, error) {
	setting, err := dbops.First[Setting](tx, "name", name)
	if errors.Is(err, dbops.ErrNotFound) {
		return nil, errors.Wrapf(err, "setting %s is missing", name)
	} else if err != nil {
		return nil, errors.WithMessagef(err, "problem getting setting %s", name)
	}
	return setting, nil
}

// Get setting by name and check if its type matches to expected one.
func getAndCheckSetting(tx dbops.Tx, name string, expValType int64) (*Setting, error) {
	s, err := GetSetting(tx, name)
	if err != nil {
		return nil, err
	}
	if s.ValType != expValType {
		return nil, errors.Errorf("no matching setting type of %s (%d vs %d expected)", name, s.ValType, expValType)
	}
	return s, nil
}

// Get int value of given setting by name.
func GetSettingInt(tx dbops.Tx, name string) (int64, error) {
	s, err := getAndCheckSetting(tx, name, SettingValTypeInt)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseInt(s.Value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid value of setting %s", name)
	}
	return val, nil
}

// Get bool value of given setting by name.
func GetSettingBool(tx dbops.Tx, name string) (bool, error) {
	s, err := getAndCheckSetting(tx, name, SettingValTypeBool)
	if err != nil {
		return false, err
	}
	val, err := strconv.ParseBool(s.Value)
	if err != nil {
		return false, errors.Wrapf(err, "invalid value of setting %s", name)
	}
	return val, nil
}

// Get string value of given setting by name.
func GetSettingStr(tx dbops.Tx, name string) (string, error) {
	s, err := getAndCheckSetting(tx, name, SettingValTypeStr)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// Get password value of given setting by name.
func GetSettingPasswd(tx dbops.Tx, name string) (string, error) {
	s, err := getAndCheckSetting(tx, name, SettingValTypePasswd)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// Set setting value in db. The setting is created when missing. Its
// type must match the existing one otherwise.
func setSetting(tx dbops.Tx, name string, valType int64, value string) error {
	s, err := GetSetting(tx, name)
	if errors.Is(err, dbops.ErrNotFound) {
		return dbops.Insert(tx, &Setting{Name: name, ValType: valType, Value: value})
	} else if err != nil {
		return err
	}
	if s.ValType != valType {
		return errors.Errorf("no matching setting type of %s (%d vs %d expected)", name, s.ValType, valType)
	}
	s.Value = value
	if err := dbops.Update(tx, s); err != nil {
		return errors.WithMessagef(err, "problem updating setting %s", name)
	}
	return nil
}

// Set int value of given setting by name.
func SetSettingInt(tx dbops.Tx, name string, value int64) error {
	return setSetting(tx, name, SettingValTypeInt, strconv.FormatInt(value, 10))
}

// Set bool value of given setting by name.
func SetSettingBool(tx dbops.Tx, name string, value bool) error {
	return setSetting(tx, name, SettingValTypeBool, strconv.FormatBool(value))
}

// Set string value of given setting by name.
func SetSettingStr(tx dbops.Tx, name string, value string) error {
	return setSetting(tx, name, SettingValTypeStr, value)
}

// Set password value of given setting by name.
func SetSettingPasswd(tx dbops.Tx, name string, value string) error {
	return setSetting(tx, name, SettingValTypePasswd, value)
}
