// MeshWatch - Mesh Radio Telemetry Ingestion and Analytics
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshwatch/meshwatch

// Package registry is the static metric-classification table shared by
// both collectors. It maps canonical metric names to semantic type, unit
// and (optionally) a dedicated storage column, and resolves the
// camelCase field names vendor firmware emits to canonical snake_case.
//
// The registry is open-world: an unknown metric name is not an error, it
// simply classifies as the type implied by its container and is stored
// through the generic raw_value column. New firmware metrics therefore
// need no schema change.
package registry

import (
	"strings"
	"unicode"

	"github.com/meshwatch/meshwatch/internal/models"
)

// MetricDefinition is an immutable registry entry.
type MetricDefinition struct {
	Name   string               // canonical snake_case name
	Unit   string               // display unit, informational only
	Type   models.TelemetryType // semantic classification
	Column string               // dedicated storage column, "" when none
}

// definitions holds every metric with a known classification. Keys are
// canonical snake_case names.
var definitions = map[string]MetricDefinition{
	// device
	"battery_level":       {Name: "battery_level", Unit: "%", Type: models.TypeDevice, Column: "battery_level"},
	"voltage":             {Name: "voltage", Unit: "V", Type: models.TypeDevice, Column: "voltage"},
	"channel_utilization": {Name: "channel_utilization", Unit: "%", Type: models.TypeDevice, Column: "channel_utilization"},
	"air_util_tx":         {Name: "air_util_tx", Unit: "%", Type: models.TypeDevice, Column: "air_util_tx"},
	"uptime_seconds":      {Name: "uptime_seconds", Unit: "s", Type: models.TypeDevice, Column: "uptime_seconds"},

	// environment
	"temperature":         {Name: "temperature", Unit: "°C", Type: models.TypeEnvironment, Column: "temperature"},
	"relative_humidity":   {Name: "relative_humidity", Unit: "%", Type: models.TypeEnvironment, Column: "relative_humidity"},
	"barometric_pressure": {Name: "barometric_pressure", Unit: "hPa", Type: models.TypeEnvironment, Column: "barometric_pressure"},
	"gas_resistance":      {Name: "gas_resistance", Unit: "MΩ", Type: models.TypeEnvironment},
	"lux":                 {Name: "lux", Unit: "lx", Type: models.TypeEnvironment},
	"white_lux":           {Name: "white_lux", Unit: "lx", Type: models.TypeEnvironment},
	"ir_lux":              {Name: "ir_lux", Unit: "lx", Type: models.TypeEnvironment},
	"uv_lux":              {Name: "uv_lux", Unit: "lx", Type: models.TypeEnvironment},
	"wind_direction":      {Name: "wind_direction", Unit: "°", Type: models.TypeEnvironment},
	"wind_speed":          {Name: "wind_speed", Unit: "m/s", Type: models.TypeEnvironment},
	"wind_gust":           {Name: "wind_gust", Unit: "m/s", Type: models.TypeEnvironment},
	"wind_lull":           {Name: "wind_lull", Unit: "m/s", Type: models.TypeEnvironment},
	"weight":              {Name: "weight", Unit: "kg", Type: models.TypeEnvironment},
	"distance":            {Name: "distance", Unit: "mm", Type: models.TypeEnvironment},
	"soil_moisture":       {Name: "soil_moisture", Unit: "%", Type: models.TypeEnvironment},
	"soil_temperature":    {Name: "soil_temperature", Unit: "°C", Type: models.TypeEnvironment},
	"radiation":           {Name: "radiation", Unit: "µR/h", Type: models.TypeEnvironment},
	"rainfall_1h":         {Name: "rainfall_1h", Unit: "mm", Type: models.TypeEnvironment},
	"rainfall_24h":        {Name: "rainfall_24h", Unit: "mm", Type: models.TypeEnvironment},

	// air quality
	"iaq":                 {Name: "iaq", Unit: "IAQ", Type: models.TypeAirQuality},
	"pm10_standard":       {Name: "pm10_standard", Unit: "µg/m³", Type: models.TypeAirQuality},
	"pm25_standard":       {Name: "pm25_standard", Unit: "µg/m³", Type: models.TypeAirQuality},
	"pm100_standard":      {Name: "pm100_standard", Unit: "µg/m³", Type: models.TypeAirQuality},
	"pm10_environmental":  {Name: "pm10_environmental", Unit: "µg/m³", Type: models.TypeAirQuality},
	"pm25_environmental":  {Name: "pm25_environmental", Unit: "µg/m³", Type: models.TypeAirQuality},
	"pm100_environmental": {Name: "pm100_environmental", Unit: "µg/m³", Type: models.TypeAirQuality},
	"co2":                 {Name: "co2", Unit: "ppm", Type: models.TypeAirQuality},

	// power
	"ch1_voltage": {Name: "ch1_voltage", Unit: "V", Type: models.TypePower},
	"ch1_current": {Name: "ch1_current", Unit: "mA", Type: models.TypePower},
	"ch2_voltage": {Name: "ch2_voltage", Unit: "V", Type: models.TypePower},
	"ch2_current": {Name: "ch2_current", Unit: "mA", Type: models.TypePower},
	"ch3_voltage": {Name: "ch3_voltage", Unit: "V", Type: models.TypePower},
	"ch3_current": {Name: "ch3_current", Unit: "mA", Type: models.TypePower},

	// position
	"latitude":     {Name: "latitude", Unit: "°", Type: models.TypePosition, Column: "latitude"},
	"longitude":    {Name: "longitude", Unit: "°", Type: models.TypePosition, Column: "longitude"},
	"altitude":     {Name: "altitude", Unit: "m", Type: models.TypePosition, Column: "altitude"},
	"sats_in_view": {Name: "sats_in_view", Unit: "", Type: models.TypePosition},
	"ground_speed": {Name: "ground_speed", Unit: "m/s", Type: models.TypePosition},
	"ground_track": {Name: "ground_track", Unit: "°", Type: models.TypePosition},

	// local stats
	"num_packets_tx":        {Name: "num_packets_tx", Unit: "", Type: models.TypeLocalStats},
	"num_packets_rx":        {Name: "num_packets_rx", Unit: "", Type: models.TypeLocalStats},
	"num_packets_rx_bad":    {Name: "num_packets_rx_bad", Unit: "", Type: models.TypeLocalStats},
	"num_online_nodes":      {Name: "num_online_nodes", Unit: "", Type: models.TypeLocalStats},
	"num_total_nodes":       {Name: "num_total_nodes", Unit: "", Type: models.TypeLocalStats},
	"num_rx_dupe":           {Name: "num_rx_dupe", Unit: "", Type: models.TypeLocalStats},
	"num_tx_relay":          {Name: "num_tx_relay", Unit: "", Type: models.TypeLocalStats},
	"num_tx_relay_canceled": {Name: "num_tx_relay_canceled", Unit: "", Type: models.TypeLocalStats},

	// health
	"heart_bpm":        {Name: "heart_bpm", Unit: "bpm", Type: models.TypeHealth},
	"spo2":             {Name: "spo2", Unit: "%", Type: models.TypeHealth},
	"body_temperature": {Name: "body_temperature", Unit: "°C", Type: models.TypeHealth},

	// host
	"disk_free1_gb": {Name: "disk_free1_gb", Unit: "GB", Type: models.TypeHost},
	"disk_free2_gb": {Name: "disk_free2_gb", Unit: "GB", Type: models.TypeHost},
	"disk_free3_gb": {Name: "disk_free3_gb", Unit: "GB", Type: models.TypeHost},
	"load1":         {Name: "load1", Unit: "", Type: models.TypeHost},
	"load5":         {Name: "load5", Unit: "", Type: models.TypeHost},
	"load15":        {Name: "load15", Unit: "", Type: models.TypeHost},
	"freemem_bytes": {Name: "freemem_bytes", Unit: "B", Type: models.TypeHost},
}

// submessages maps grouped-metric container keys, as they appear on the
// wire, to the telemetry type they imply for their leaf metrics.
var submessages = map[string]models.TelemetryType{
	"deviceMetrics":      models.TypeDevice,
	"environmentMetrics": models.TypeEnvironment,
	"airQualityMetrics":  models.TypeAirQuality,
	"powerMetrics":       models.TypePower,
	"localStats":         models.TypeLocalStats,
	"healthMetrics":      models.TypeHealth,
	"hostMetrics":        models.TypeHost,
}

// Resolve looks up a metric by canonical snake_case name or vendor
// camelCase alias. The second return reports whether the metric has a
// known classification; callers handling unknown metrics fall back to
// the type implied by context and store only the raw value.
func Resolve(name string) (MetricDefinition, bool) {
	def, ok := definitions[Canonical(name)]
	return def, ok
}

// SubmessageType maps a grouped-metric container key ("deviceMetrics",
// "environmentMetrics", ...) to its telemetry type. Accepts either
// casing.
func SubmessageType(key string) (models.TelemetryType, bool) {
	if t, ok := submessages[key]; ok {
		return t, true
	}
	// snake_case variants appear in legacy REST payloads
	for k, t := range submessages {
		if ToSnake(k) == key {
			return t, true
		}
	}
	return "", false
}

// SubmessageKeys returns every known grouped-metric container key in
// wire (camelCase) form.
func SubmessageKeys() []string {
	keys := make([]string, 0, len(submessages))
	for k := range submessages {
		keys = append(keys, k)
	}
	return keys
}

// Canonical normalizes a metric name to snake_case. camelCase vendor
// names ("batteryLevel") and already-canonical names pass through to
// the same result.
func Canonical(name string) string {
	if strings.ContainsRune(name, '_') || strings.ToLower(name) == name {
		return name
	}
	return ToSnake(name)
}

// ToSnake converts a camelCase identifier to snake_case. Consecutive
// capitals stay together ("rxSNR" -> "rx_snr").
func ToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && !unicode.IsUpper(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
