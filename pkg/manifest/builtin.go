package manifest

// SourceWeather and SourceAirQuality are the two sources the pipeline ships
// manifests for. Additional sources load from YAML via LoadDir.
const (
	SourceWeather    = "weather"
	SourceAirQuality = "airquality"
)

// Weather returns the built-in weather-station manifest.
func Weather() *Manifest {
	return &Manifest{
		Source: SourceWeather,
		Metrics: []Metric{
			{Name: "temperature_c", Kind: KindFloat, Required: true, Description: "Air temperature in degrees Celsius"},
			{Name: "humidity_pct", Kind: KindFloat, Required: true, Description: "Relative humidity percentage"},
			{Name: "pressure_hpa", Kind: KindFloat, Description: "Barometric pressure in hectopascals"},
			{Name: "wind_speed_ms", Kind: KindFloat, Description: "Wind speed in meters per second"},
			{Name: "wind_dir_deg", Kind: KindFloat, Description: "Wind direction in degrees from north"},
			{Name: "precip_mm", Kind: KindFloat, Description: "Precipitation over the reporting interval in millimeters"},
		},
		CriticalMetrics:   []string{"temperature_c", "humidity_pct"},
		CoverageThreshold: 0.95,
		NullRateThreshold: 0.02,
		MinRowsPerDay:     24,
	}
}

// AirQuality returns the built-in air-quality-monitor manifest.
func AirQuality() *Manifest {
	return &Manifest{
		Source: SourceAirQuality,
		Metrics: []Metric{
			{Name: "pm2_5", Kind: KindFloat, Required: true, Description: "Fine particulate matter (PM2.5) in µg/m³"},
			{Name: "pm10", Kind: KindFloat, Required: true, Description: "Coarse particulate matter (PM10) in µg/m³"},
			{Name: "no2_ppb", Kind: KindFloat, Description: "Nitrogen dioxide in parts per billion"},
			{Name: "o3_ppb", Kind: KindFloat, Description: "Ozone in parts per billion"},
			{Name: "so2_ppb", Kind: KindFloat, Description: "Sulfur dioxide in parts per billion"},
			{Name: "co_ppm", Kind: KindFloat, Description: "Carbon monoxide in parts per million"},
		},
		CriticalMetrics:   []string{"pm2_5", "pm10"},
		CoverageThreshold: 0.90,
		NullRateThreshold: 0.02,
		MinRowsPerDay:     24,
	}
}

// Builtin returns all built-in manifests, validated.
func Builtin() []*Manifest {
	manifests := []*Manifest{Weather(), AirQuality()}
	for _, m := range manifests {
		if err := m.Validate(); err != nil {
			panic("builtin manifest invalid: " + err.Error())
		}
	}
	return manifests
}
