package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/serialmux"
)

// Transport names.
const (
	TransportUDP    = "udp"
	TransportSerial = "serial"
	TransportPCAP   = "pcap"
	TransportSim    = "sim"
)

// Placeholder modes for the disconnected snapshot.
const (
	PlaceholderNone      = "none"
	PlaceholderSynthetic = "synthetic"
)

// Deployment is the startup configuration read from lagview.yaml.
type Deployment struct {
	Profile   string `mapstructure:"profile"`
	Transport string `mapstructure:"transport"`

	// Layout overrides applied on top of the named profile.
	Layout LayoutOverrides `mapstructure:"layout"`

	UDP    UDPSettings    `mapstructure:"udp"`
	Serial SerialSettings `mapstructure:"serial"`
	PCAP   PCAPSettings   `mapstructure:"pcap"`
	Ingest IngestSettings `mapstructure:"ingest"`
	HTTP   HTTPSettings   `mapstructure:"http"`
	DB     DBSettings     `mapstructure:"db"`
	MQTT   MQTTSettings   `mapstructure:"mqtt"`
	Log    LogSettings    `mapstructure:"log"`
	Render RenderSettings `mapstructure:"render"`
}

// LayoutOverrides replace individual profile fields. Pointer fields apply
// when set, the others when non-zero.
type LayoutOverrides struct {
	Mics          int     `mapstructure:"mics"`
	LagCount      int     `mapstructure:"lag_count"`
	BytesPerLag   int     `mapstructure:"bytes_per_lag"`
	HeaderSize    *int    `mapstructure:"header_size"`
	SkipThreshold *int    `mapstructure:"skip_threshold"`
	RangeFloor    float64 `mapstructure:"range_floor"`
	Marker        string  `mapstructure:"marker"`
	Validator     string  `mapstructure:"validator"`
}

// UDPSettings configures the datagram listener.
type UDPSettings struct {
	Address string `mapstructure:"address"`
	RcvBuf  int    `mapstructure:"rcvbuf"`
	Forward string `mapstructure:"forward"`
}

// SerialSettings configures the serial link.
type SerialSettings struct {
	Device     string                `mapstructure:"device"`
	Port       serialmux.PortOptions `mapstructure:"port"`
	SyncBudget int                   `mapstructure:"sync_budget"`
}

// PCAPSettings configures capture replay.
type PCAPSettings struct {
	File     string `mapstructure:"file"`
	Port     int    `mapstructure:"port"`
	Realtime bool   `mapstructure:"realtime"`
}

// IngestSettings configures the tick loop.
type IngestSettings struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	DrainCap         int           `mapstructure:"drain_cap"`
	Placeholder      string        `mapstructure:"placeholder"`
	ReconnectInitial time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `mapstructure:"reconnect_max"`
	RecordInterval   time.Duration `mapstructure:"record_interval"`
}

// HTTPSettings configures the API server.
type HTTPSettings struct {
	Listen string `mapstructure:"listen"`
}

// DBSettings configures the observation store. An empty path disables it.
type DBSettings struct {
	Path string `mapstructure:"path"`
}

// MQTTSettings configures peak publishing. An empty broker disables it.
type MQTTSettings struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

// LogSettings configures the optional rotating log file.
type LogSettings struct {
	File      string `mapstructure:"file"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// RenderSettings configures the presentation adapters.
type RenderSettings struct {
	DisplayConfig string `mapstructure:"display_config"`
	Mode          string `mapstructure:"mode"`
	AutoScale     bool   `mapstructure:"auto_scale"`
	PeakHistory   int    `mapstructure:"peak_history"`
}

// SetDefaults registers the default deployment on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("profile", "udp-28x256")
	v.SetDefault("transport", TransportUDP)
	v.SetDefault("udp.address", "0.0.0.0:7000")
	v.SetDefault("udp.rcvbuf", 4<<20)
	v.SetDefault("serial.device", "/dev/ttyACM0")
	v.SetDefault("serial.port.baud_rate", serialmux.DefaultBaudRate)
	v.SetDefault("serial.port.data_bits", 8)
	v.SetDefault("serial.port.stop_bits", 1)
	v.SetDefault("serial.port.parity", "N")
	v.SetDefault("serial.port.read_timeout", serialmux.DefaultReadTimeout)
	v.SetDefault("pcap.port", 7000)
	v.SetDefault("ingest.tick_interval", 16*time.Millisecond)
	v.SetDefault("ingest.drain_cap", 256)
	v.SetDefault("ingest.placeholder", PlaceholderNone)
	v.SetDefault("ingest.reconnect_initial", 500*time.Millisecond)
	v.SetDefault("ingest.reconnect_max", 30*time.Second)
	v.SetDefault("ingest.record_interval", 10*time.Second)
	v.SetDefault("http.listen", "127.0.0.1:8080")
	v.SetDefault("mqtt.client_id", "lagview")
	v.SetDefault("mqtt.topic", "lagview/peaks")
	v.SetDefault("render.display_config", DefaultDisplayConfigPath)
	v.SetDefault("render.mode", "peak")
	v.SetDefault("render.auto_scale", true)
	v.SetDefault("render.peak_history", 600)
}

// NewViper returns a viper instance that reads lagview.yaml from
// /etc/lagview, $HOME/.lagview and the working directory, with LAGVIEW_
// environment overrides such as LAGVIEW_UDP_ADDRESS.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigName("lagview")
	v.AddConfigPath(filepath.FromSlash("/etc/lagview"))
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".lagview"))
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("lagview")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDeployment reads the configuration file if one exists and decodes the
// deployment. A missing file is not an error; the defaults apply.
func LoadDeployment(v *viper.Viper) (*Deployment, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	var d Deployment
	if err := v.Unmarshal(&d); err != nil {
		return nil, fmt.Errorf("failed to decode deployment config: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks transport settings and that the layout resolves.
func (d *Deployment) Validate() error {
	switch d.Transport {
	case TransportUDP, TransportSerial, TransportPCAP, TransportSim:
	default:
		return fmt.Errorf("unknown transport %q", d.Transport)
	}
	switch d.Ingest.Placeholder {
	case "", PlaceholderNone, PlaceholderSynthetic:
	default:
		return fmt.Errorf("unknown placeholder mode %q", d.Ingest.Placeholder)
	}
	if d.Ingest.DrainCap < 1 {
		return fmt.Errorf("drain_cap must be at least 1, got %d", d.Ingest.DrainCap)
	}
	if d.Transport == TransportPCAP && d.PCAP.File == "" {
		return errors.New("pcap transport needs pcap.file")
	}
	l, err := d.ResolveLayout()
	if err != nil {
		return err
	}
	switch d.Transport {
	case TransportSerial:
		if len(l.Marker) == 0 {
			return fmt.Errorf("serial transport needs a profile with a train marker, %s has none (try serial-6x64 or serial-15x128)", l.Name)
		}
	case TransportUDP, TransportPCAP:
		if l.Validator == lagframe.ValidatorPositional {
			return fmt.Errorf("%s transport needs a profile with per-frame headers, %s is positional", d.Transport, l.Name)
		}
	}
	return nil
}

// ResolveLayout returns the named profile with any overrides applied.
func (d *Deployment) ResolveLayout() (lagframe.Layout, error) {
	l, ok := lagframe.Profile(d.Profile)
	if !ok {
		return lagframe.Layout{}, fmt.Errorf("unknown profile %q (known: %s)", d.Profile, strings.Join(lagframe.ProfileNames(), ", "))
	}
	o := d.Layout
	if o.Mics > 0 {
		l.Mics = o.Mics
	}
	if o.LagCount > 0 {
		l.LagCount = o.LagCount
	}
	if o.BytesPerLag > 0 {
		l.BytesPerLag = o.BytesPerLag
	}
	if o.HeaderSize != nil {
		l.HeaderSize = *o.HeaderSize
	}
	if o.SkipThreshold != nil {
		l.SkipThreshold = *o.SkipThreshold
	}
	if o.RangeFloor > 0 {
		l.RangeFloor = o.RangeFloor
	}
	if o.Marker != "" {
		if o.Marker == "none" {
			l.Marker = nil
		} else {
			l.Marker = []byte(o.Marker)
		}
	}
	if o.Validator != "" {
		l.Validator = lagframe.ValidatorKind(o.Validator)
	}
	if o != (LayoutOverrides{}) {
		l.Name = d.Profile + "+custom"
	}
	if err := l.Validate(); err != nil {
		return lagframe.Layout{}, fmt.Errorf("invalid layout: %w", err)
	}
	return l, nil
}
