package config

import (
	"flag"
	"net/url"
)

// Flags binds the operator-facing options. Only flags given on the command
// line override the loaded configuration.
type Flags struct {
	fs         *flag.FlagSet
	ConfigPath string
	EnvFile    string
	values     AppConfig
	apply      map[string]func(dst *AppConfig)
}

func NewFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs, values: Default(), apply: map[string]func(*AppConfig){}}
	v := &f.values

	fs.StringVar(&f.ConfigPath, "config", "", "YAML profile file")
	fs.StringVar(&f.EnvFile, "env-file", ".env", "Optional .env file")

	f.intVar(&v.Port, "port", "HTTP port for the operator API", func(d *AppConfig) { d.Port = v.Port })
	f.stringVar(&v.LogLevel, "log-level", "Log level", func(d *AppConfig) { d.LogLevel = v.LogLevel })
	f.boolVar(&v.Debug, "debug", "Run against simulated hardware", func(d *AppConfig) { d.Debug = v.Debug })
	f.stringVar(&v.MetadataDir, "metadata-dir", "Persistent run metadata directory", func(d *AppConfig) { d.MetadataDir = v.MetadataDir })
	f.stringVar(&v.VStreamURL, "vstream-url", "Video stream URL", func(d *AppConfig) { d.VStreamURL = v.VStreamURL })
	f.stringVar(&v.VStreamRoot, "vstream-root", "Root directory for stack files", func(d *AppConfig) { d.VStreamRoot = v.VStreamRoot })
	f.stringVar(&v.VStreamBackend, "vstream-backend", "Video backend: mjpeg or gocv", func(d *AppConfig) { d.VStreamBackend = v.VStreamBackend })
	f.stringVar(&v.VStreamFormat, "vstream-format", "Dataset format: stack or hdf5", func(d *AppConfig) { d.VStreamFormat = v.VStreamFormat })
	fs.Float64Var(&v.VStreamExposure, "exposure", v.VStreamExposure, "Video stream exposure time in seconds")
	f.apply["exposure"] = func(d *AppConfig) { d.VStreamExposure = v.VStreamExposure }
	f.boolVar(&v.PICamEnabled, "picam", "Include the PICam detector", func(d *AppConfig) { d.PICamEnabled = v.PICamEnabled })
	f.stringVar(&v.PVWSURL, "pvws-url", "PV Web Socket gateway URL", func(d *AppConfig) { d.PVWSURL = v.PVWSURL })
	f.boolVar(&v.DocLogEnabled, "doc-log", "Write run documents to disk", func(d *AppConfig) { d.DocLogEnabled = v.DocLogEnabled })
	f.stringVar(&v.DocLogDir, "doc-log-dir", "Directory for document logs", func(d *AppConfig) { d.DocLogDir = v.DocLogDir })
	f.stringVar(&v.ZMQEndpoint, "zmq-endpoint", "Bind address for the document PUB socket", func(d *AppConfig) { d.ZMQEndpoint = v.ZMQEndpoint })
	return f
}

func (f *Flags) stringVar(p *string, name, usage string, apply func(*AppConfig)) {
	f.fs.StringVar(p, name, *p, usage)
	f.apply[name] = apply
}

func (f *Flags) intVar(p *int, name, usage string, apply func(*AppConfig)) {
	f.fs.IntVar(p, name, *p, usage)
	f.apply[name] = apply
}

func (f *Flags) boolVar(p *bool, name, usage string, apply func(*AppConfig)) {
	f.fs.BoolVar(p, name, *p, usage)
	f.apply[name] = apply
}

// Apply copies every flag that was set on the command line into cfg.
func (f *Flags) Apply(cfg *AppConfig) {
	f.fs.Visit(func(fl *flag.Flag) {
		if apply, ok := f.apply[fl.Name]; ok {
			apply(cfg)
		}
	})
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
