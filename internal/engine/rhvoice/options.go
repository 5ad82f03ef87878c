package rhvoice

// Default install locations used when nothing else is configured.
const (
	DefaultDataPath   = "/usr/local/share/RHVoice"
	DefaultConfigPath = "/usr/local/etc/RHVoice"
)

// Options locate the shared library and its data.
type Options struct {
	LibPath    string
	DataPath   string
	ConfigPath string
	Resources  []string
}

func (o Options) withDefaults() Options {
	if o.DataPath == "" {
		o.DataPath = DefaultDataPath
	}
	if o.ConfigPath == "" {
		o.ConfigPath = DefaultConfigPath
	}

	return o
}
