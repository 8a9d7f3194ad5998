// Package actions implements the catalog actions that operate the testbed.
//
// Each operation kind maps to one method of Actions. The methods shell out to
// kolla-ansible, ansible-playbook, the openstack client and rally, keep their
// artifacts under a per-deployment folder, and reach nodes over SSH when the
// work has to happen on a node itself.
package actions

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudbench/cloudbench/pkg/catalog"
	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/transports/ssh"
)

// Binaries names the external programs the actions invoke.
type Binaries struct {
	KollaAnsible    string `yaml:"kolla_ansible"`
	AnsiblePlaybook string `yaml:"ansible_playbook"`
	KollaGenpwd     string `yaml:"kolla_genpwd"`
	Openstack       string `yaml:"openstack"`
	Rally           string `yaml:"rally"`
}

// Config holds the filesystem layout and tunables of the actions.
type Config struct {
	// WorkDir holds one folder per deployment.
	WorkDir string `yaml:"workdir"`

	// TemplateDir holds multinode, globals.yml, passwords.yml,
	// bootstrap.yml and ansible.cfg.
	TemplateDir string `yaml:"template_dir"`

	// CustomConfigDir is substituted for [config_dir] in globals.yml.
	CustomConfigDir string `yaml:"custom_config_dir"`

	// RallyDir holds the rally.conf template.
	RallyDir string `yaml:"rally_dir"`

	// RallyPlugins are passed to rally with --plugin-paths.
	RallyPlugins []string `yaml:"rally_plugins"`

	// RemoteDir, when set, receives a copy of the generated kolla files on
	// the control node.
	RemoteDir string `yaml:"remote_dir"`

	Binaries Binaries `yaml:"binaries"`

	// TestDelay is how long a test operation occupies its queue.
	TestDelay time.Duration `yaml:"test_delay"`

	// DrainInitial and DrainMax bound the poll interval while waiting for
	// a compute node to drain or come back. Both are raised to at least
	// MinPollInterval.
	DrainInitial time.Duration `yaml:"drain_initial"`
	DrainMax     time.Duration `yaml:"drain_max"`

	RebootCommand string        `yaml:"reboot_command"`
	RebootTimeout time.Duration `yaml:"reboot_timeout"`
}

// MinPollInterval is the shortest wait between two polls of a node.
const MinPollInterval = time.Second

// DefaultConfig returns the layout used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WorkDir:         "deploy_list",
		TemplateDir:     "deployer_files",
		CustomConfigDir: "custom_config",
		RallyDir:        "rally_files",
		Binaries: Binaries{
			KollaAnsible:    "kolla-ansible",
			AnsiblePlaybook: "ansible-playbook",
			KollaGenpwd:     "kolla-genpwd",
			Openstack:       "openstack",
			Rally:           "rally",
		},
		TestDelay:     10 * time.Second,
		DrainInitial:  15 * time.Second,
		DrainMax:      60 * time.Second,
		RebootCommand: "sudo systemctl reboot",
		RebootTimeout: 20 * time.Minute,
	}
}

// Actions runs operations against the testbed.
type Actions struct {
	cfg    Config
	store  deployment.Store
	runner Runner
	dialer ssh.Dialer
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	intn   func(n int) int
}

// Option configures Actions.
type Option func(*Actions)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Actions) { a.logger = logger }
}

// WithClock replaces time.Now and the context-aware sleep used by polling
// loops and the test action.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Actions) {
		a.now = now
		a.sleep = sleep
	}
}

// New creates Actions. dialer may be nil when no action needs to reach
// nodes; restart-node then fails.
func New(cfg Config, store deployment.Store, runner Runner, dialer ssh.Dialer, opts ...Option) *Actions {
	a := &Actions{
		cfg:    cfg,
		store:  store,
		runner: runner,
		dialer: dialer,
		logger: zerolog.Nop(),
		now:    time.Now,
		sleep:  sleepContext,
		intn:   rand.IntN,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.cfg.DrainInitial = max(a.cfg.DrainInitial, MinPollInterval)
	a.cfg.DrainMax = max(a.cfg.DrainMax, a.cfg.DrainInitial)
	return a
}

// Catalog returns the dispatch table of every operation kind.
func (a *Actions) Catalog() (*catalog.Catalog, error) {
	return catalog.New(map[operation.Kind]catalog.Action{
		operation.KindReserve:     catalog.ActionFunc(a.Reserve),
		operation.KindDeploy:      catalog.ActionFunc(a.Deploy),
		operation.KindDestroy:     catalog.ActionFunc(a.Destroy),
		operation.KindDelete:      catalog.ActionFunc(a.Delete),
		operation.KindRedeploy:    catalog.ActionFunc(a.Redeploy),
		operation.KindClean:       catalog.ActionFunc(a.Clean),
		operation.KindRunLoad:     catalog.ActionFunc(a.RunLoad),
		operation.KindRestartNode: catalog.ActionFunc(a.RestartNode),
		operation.KindTest:        catalog.ActionFunc(a.Test),
	})
}

// Test occupies the queue for the configured delay.
func (a *Actions) Test(ctx context.Context, rec *operation.Record) error {
	a.log(rec).Info().Dur("delay", a.cfg.TestDelay).Msg("Test pause started")
	return a.sleep(ctx, a.cfg.TestDelay)
}

// DeployDir returns the artifact folder of deployment id.
func (a *Actions) DeployDir(id int64) string {
	return filepath.Join(a.cfg.WorkDir, "deploy"+strconv.FormatInt(id, 10))
}

func (a *Actions) deployFile(id int64, name string) string {
	return filepath.Join(a.DeployDir(id), name)
}

func (a *Actions) deploymentOf(ctx context.Context, rec *operation.Record) (*deployment.Deployment, error) {
	d, err := a.store.GetDeployment(ctx, rec.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment %d: %w", rec.ResourceID, err)
	}
	return d, nil
}

func (a *Actions) log(rec *operation.Record) *zerolog.Logger {
	l := a.logger.With().
		Int64("deployment_id", rec.ResourceID).
		Int64("operation_id", rec.ID).
		Str("kind", string(rec.Kind)).
		Logger()
	return &l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
