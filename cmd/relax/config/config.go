// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package config resolves the server, database and document a command acts
// on, from the config file, the environment and the command line.
package config

import (
	stderrors "errors"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-kivik/relax"
	"github.com/go-kivik/relax/cmd/relax/errors"
	"github.com/go-kivik/relax/cmd/relax/log"
)

const envPrefix = "RELAX"

// Setting keys. Each may be set in the config file, or in the environment
// with the RELAX_ prefix, such as RELAX_TIMEOUT.
const (
	KeyTimeout   = "timeout"
	KeyHeartbeat = "heartbeat"
	KeyContext   = "current-context"
	KeyDSN       = "dsn"
	KeyContexts  = "contexts"
)

// Config is the full app configuration.
type Config struct {
	Contexts       map[string]*Context
	CurrentContext string

	v   *viper.Viper
	log log.Logger
}

// Context represents a complete, or partial server DSN context.
type Context struct {
	Scheme   string `yaml:"scheme" validate:"omitempty,oneof=http https"`
	Host     string `yaml:"host" validate:"required"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	DocID    string `yaml:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Context) String() string {
	return c.DSN()
}

func (c *Context) dsn() *url.URL {
	var user *url.Userinfo
	if c.User != "" || c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   c.Host,
		User:   user,
		Path:   "/",
	}
	if c.Database != "" {
		u.Path += c.Database
		if c.DocID != "" {
			u.Path += "/" + c.DocID
		}
	}
	return u
}

// DSN returns the full DSN, including database and document ID.
func (c *Context) DSN() string {
	return c.dsn().Redacted()
}

// ServerDSN returns just the server DSN, with no database or docid.
func (c *Context) ServerDSN() string {
	dsn := c.dsn()
	dsn.Path = "/"
	return dsn.String()
}

// UnmarshalYAML handles parsing of a Context from YAML input. A context may
// be given as discrete fields, or as a single dsn.
func (c *Context) UnmarshalYAML(v *yaml.Node) error {
	dsn := struct {
		DSN string `yaml:"dsn"`
	}{}
	if err := v.Decode(&dsn); err != nil {
		return err
	}
	if dsn.DSN == "" {
		type alias Context
		intl := alias{}
		err := v.Decode(&intl)
		*c = Context(intl)
		return err
	}
	cx, _, err := ContextFromDSN(dsn.DSN)
	if err != nil {
		return err
	}
	if cx.DocID != "" {
		return errors.Codef(errors.ErrUsage, "context dsn %q must not name a document", dsn.DSN)
	}
	*c = *cx
	return nil
}

// New returns an empty configuration object. Call Read() to populate it.
func New() *Config {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyTimeout, 30*time.Second) // nolint:gomnd
	v.SetDefault(KeyHeartbeat, relax.DefaultHeartbeat)
	return &Config{
		Contexts: make(map[string]*Context),
		v:        v,
		log:      log.NewNil(),
	}
}

// BindFlag ties a setting to a command line flag, which takes precedence
// over the environment and the config file when set.
func (c *Config) BindFlag(key string, flag *pflag.Flag) {
	if err := c.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// Read populates c with app configuration found in filename, and in the
// environment.
//
// - A missing filename is not an error.
// - If RELAX_DSN is set, it's added as a context called '*' and made current.
func (c *Config) Read(filename string, lg log.Logger) error {
	c.log = lg
	if err := c.readFile(filename); err != nil {
		return errors.WithCode(err, errors.ErrUsage)
	}
	if err := c.readContexts(); err != nil {
		return errors.WithCode(err, errors.ErrUsage)
	}
	c.CurrentContext = c.v.GetString(KeyContext)
	if dsn := c.v.GetString(KeyDSN); dsn != "" {
		if err := c.setDefaultDSN(dsn); err != nil {
			return err
		}
		lg.Debug("set default DSN from environment")
	}
	return nil
}

func (c *Config) readFile(filename string) error {
	if filename == "" {
		c.log.Debug("no config file specified")
		return nil
	}
	c.v.SetConfigFile(filename)
	err := c.v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		c.log.Debugf("successfully read config file %q", filename)
		return nil
	case stderrors.Is(err, fs.ErrNotExist), stderrors.As(err, &notFound):
		c.log.Debugf("failed to read config: %s", err)
		return nil
	}
	c.log.Debugf("YAML parse error: %s", err)
	return err
}

// readContexts decodes the contexts section with yaml.v3, so that contexts
// may be given as a single dsn. Viper lower-cases context names.
func (c *Config) readContexts() error {
	raw := c.v.Get(KeyContexts)
	if raw == nil {
		return nil
	}
	buf, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(buf, &c.Contexts)
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	return c.v.GetDuration(KeyTimeout)
}

// Heartbeat returns the feed heartbeat interval.
func (c *Config) Heartbeat() time.Duration {
	return c.v.GetDuration(KeyHeartbeat)
}

// CurrentCx returns the current context.
func (c *Config) CurrentCx() (*Context, error) {
	if c.CurrentContext == "" {
		if len(c.Contexts) == 1 {
			for _, cx := range c.Contexts {
				return cx, nil
			}
		}
		return nil, errors.Code(errors.ErrUsage, "no context specified")
	}
	cx, ok := c.Contexts[c.CurrentContext]
	if !ok {
		cx, ok = c.Contexts[strings.ToLower(c.CurrentContext)]
	}
	if !ok {
		return nil, errors.Codef(errors.ErrUsage, "context %q not found", c.CurrentContext)
	}
	return cx, nil
}

// ServerConfig returns the client configuration for the current context.
func (c *Config) ServerConfig() (relax.ServerConfig, error) {
	cx, err := c.CurrentCx()
	if err != nil {
		return relax.ServerConfig{}, err
	}
	if err := validate.Struct(cx); err != nil {
		return relax.ServerConfig{}, errors.Codef(errors.ErrUsage, "invalid context: %s", err)
	}
	cfg := relax.ServerConfig{
		Address:   cx.ServerDSN(),
		Timeout:   c.Timeout(),
		Heartbeat: c.Heartbeat(),
	}
	if err := cfg.Validate(); err != nil {
		return relax.ServerConfig{}, errors.Code(errors.ErrUsage, err)
	}
	return cfg, nil
}

// DB returns the database name of the current context. A lone path segment
// is taken to be the database.
func (c *Config) DB() (string, error) {
	cx, err := c.CurrentCx()
	if err != nil {
		return "", err
	}
	switch {
	case cx.Database != "" && cx.DocID != "":
		return "", errors.Code(errors.ErrUsage, "DSN expected to contain only the database")
	case cx.Database != "":
		return cx.Database, nil
	case cx.DocID != "":
		return cx.DocID, nil
	}
	return "", errors.Code(errors.ErrUsage, "database name required")
}

// DBDoc returns the database name and document ID of the current context.
func (c *Config) DBDoc() (db, doc string, err error) {
	cx, err := c.CurrentCx()
	if err != nil {
		return "", "", err
	}
	if cx.Database == "" {
		return "", "", errors.Code(errors.ErrUsage, "database name required")
	}
	if cx.DocID == "" {
		return "", "", errors.Code(errors.ErrUsage, "document ID required")
	}
	return cx.Database, cx.DocID, nil
}

// setDefaultDSN sets the default DSN. It's meant to be used when setting from
// the environment.
func (c *Config) setDefaultDSN(dsn string) error {
	cx, _, err := ContextFromDSN(dsn)
	if err != nil {
		return err
	}
	c.Contexts["*"] = cx
	c.CurrentContext = "*"
	return nil
}

// ContextFromDSN parses a DSN into a context object, and a map of options
// read from the url query parameters.
//
// The first path segment is the database; the remainder, if any, is the
// document ID, so that design documents may be addressed as
// db/_design/name. Without a host, a lone segment is a document ID.
func ContextFromDSN(dsn string) (*Context, map[string]string, error) {
	uri, err := url.Parse(dsn)
	if err != nil {
		return nil, nil, errors.WithCode(err, errors.ErrUsage)
	}
	var user, password string
	if u := uri.User; u != nil {
		user = u.Username()
		password, _ = u.Password()
	}
	p := strings.Trim(uri.Path, "/")
	var db, docid string
	if i := strings.Index(p, "/"); i >= 0 {
		db, docid = p[:i], p[i+1:]
	} else if uri.Host != "" {
		db = p
	} else {
		docid = p
	}
	return &Context{
		Scheme:   uri.Scheme,
		Host:     uri.Host,
		User:     user,
		Password: password,
		Database: db,
		DocID:    docid,
	}, query2options(uri.Query()), nil
}

// SetURL sets the current context based on a URL argument passed on the
// command line.
//
// Supported formats and examples:
//
//   - Full DSN    -- http://localhost:5984/database/docid
//   - Path only   -- database/docid
//   - Doc ID only -- docid
func (c *Config) SetURL(dsn string) (map[string]string, error) {
	if dsn == "" {
		return nil, nil
	}
	cx, opts, err := ContextFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	curCx, _ := c.CurrentCx()
	if cx.Host == "" && curCx != nil {
		c.log.Debugf("Incomplete DSN provided: %q, merging with current context: %q", dsn, curCx)
		cx.Scheme = curCx.Scheme
		cx.Host = curCx.Host
		cx.User = curCx.User
		cx.Password = curCx.Password
		if cx.Database == "" {
			cx.Database = curCx.Database
		}
	}
	c.Contexts["*"] = cx
	c.CurrentContext = "*"
	return opts, nil
}

func query2options(q url.Values) map[string]string {
	opts := make(map[string]string, len(q))
	for k := range q {
		opts[k] = q.Get(k)
	}
	return opts
}

// HasDoc reports whether the current context names a document.
func (c *Config) HasDoc() bool {
	_, _, err := c.DBDoc()
	return err == nil
}

// HasDB reports whether the current context names only a database.
func (c *Config) HasDB() bool {
	_, err := c.DB()
	return err == nil
}
