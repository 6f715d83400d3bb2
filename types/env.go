package types

// ------------------------
// Temperature
// ------------------------

// TemperatureInfo describes a temperature sensor behind a bus resource.
type TemperatureInfo struct {
	Sensor string `json:"sensor" yaml:"sensor"` // "tmp102", "ds18b20"
	Addr   uint16 `json:"addr" yaml:"addr"`     // I2C address or 1-Wire family
	Bus    string `json:"bus" yaml:"bus"`       // "i2c0", "w1", ...
}

// TemperatureValue is one reading in thousandths of °C (e.g. 23125 => 23.125°C).
type TemperatureValue struct {
	MilliC int32 `json:"milli_c" yaml:"milli_c"`
}

func (t TemperatureValue) Celsius() float64 { return float64(t.MilliC) / 1000 }

// ClimateValue is one temperature and relative humidity reading.
type ClimateValue struct {
	MilliC  int32 `json:"milli_c" yaml:"milli_c"`
	MilliRH int32 `json:"milli_rh" yaml:"milli_rh"` // thousandths of %RH
}
