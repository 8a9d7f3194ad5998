package actions

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/transports/ssh"
)

const rallyTaskID = "6fd7a3c4-93b3-4c41-8e1b-2f0b7a1c9d11"

// fakeRunner records commands and answers them through respond.
type fakeRunner struct {
	mu       sync.Mutex
	commands []Command
	respond  func(c Command) (string, error)

	// root is replaced in matched command lines so fixture paths, which
	// carry the test name, never match.
	root string
}

func (f *fakeRunner) line(c Command) string {
	if f.root == "" {
		return c.String()
	}
	return strings.ReplaceAll(c.String(), f.root, "<root>")
}

func (f *fakeRunner) Run(ctx context.Context, c Command) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, c)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(c)
	}
	return "", nil
}

// index returns the position of the first command containing all parts,
// or -1.
func (f *fakeRunner) index(parts ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, c := range f.commands {
		s := f.line(c)
		found := true
		for _, p := range parts {
			if !strings.Contains(s, p) {
				found = false
				break
			}
		}
		if found {
			return i
		}
	}
	return -1
}

func (f *fakeRunner) count(parts ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.commands {
		s := f.line(c)
		match := true
		for _, p := range parts {
			if !strings.Contains(s, p) {
				match = false
			}
		}
		if match {
			n++
		}
	}
	return n
}

type fakeRemote struct {
	dialer *fakeDialer
	host   string
}

func (r *fakeRemote) Exec(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	r.dialer.mu.Lock()
	defer r.dialer.mu.Unlock()
	r.dialer.execs = append(r.dialer.execs, r.host+": "+cmd)
	if r.dialer.execErr != nil {
		return &ssh.ExecResult{ExitCode: -1}, r.dialer.execErr
	}
	return &ssh.ExecResult{}, nil
}

func (r *fakeRemote) Upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	r.dialer.mu.Lock()
	defer r.dialer.mu.Unlock()
	r.dialer.uploads[r.host+":"+remotePath] = string(data)
	return nil
}

func (r *fakeRemote) Close() error { return nil }

type fakeDialer struct {
	mu      sync.Mutex
	dials   []string
	execs   []string
	uploads map[string]string
	execErr error
}

func (d *fakeDialer) Dial(ctx context.Context, host string) (ssh.Remote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, host)
	return &fakeRemote{dialer: d, host: host}, nil
}

type fixture struct {
	actions *Actions
	store   *deployment.MemoryStore
	runner  *fakeRunner
	dialer  *fakeDialer
	dep     *deployment.Deployment
	cfg     Config

	mu     sync.Mutex
	sleeps []time.Duration
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	cfg := DefaultConfig()
	cfg.WorkDir = filepath.Join(root, "deploy_list")
	cfg.TemplateDir = filepath.Join(root, "deployer_files")
	cfg.CustomConfigDir = filepath.Join(root, "custom_config")
	cfg.RallyDir = filepath.Join(root, "rally_files")

	writeFile(t, filepath.Join(cfg.TemplateDir, FileMultinode),
		"[control]\n[control_ids]\n[monitoring]\n[monitoring_ids]\n[compute]\n[compute_ids]")
	writeFile(t, filepath.Join(cfg.TemplateDir, FileGlobals),
		"kolla_internal_vip_address: \"[control_ip]\"\nnode_custom_config: \"[config_dir]\"\n")
	writeFile(t, filepath.Join(cfg.TemplateDir, FilePasswords), "osprofiler_secret:\n")
	writeFile(t, filepath.Join(cfg.TemplateDir, FileBootstrap), "- hosts: all\n")
	writeFile(t, filepath.Join(cfg.TemplateDir, FileAnsibleCfg), "[defaults]\n")
	writeFile(t, filepath.Join(cfg.RallyDir, FileRallyConfig),
		"[DEFAULT]\n{{if .UseTraces}}enable_profiler = true\n{{end}}")

	store := deployment.NewMemoryStore()
	for i, name := range []string{"wally101", "wally102", "wally103"} {
		n := &deployment.Node{Name: name, Domain: name + ".cloud", IP: "10.0.0." + string(rune('1'+i))}
		if err := store.UpsertNode(ctx, n); err != nil {
			t.Fatalf("failed to add node: %v", err)
		}
	}
	d, err := store.ReserveDeployment(ctx, deployment.Reservation{
		Control: "wally101",
		Compute: []string{"wally102", "wally103"},
	}.Normalize())
	if err != nil {
		t.Fatalf("failed to reserve: %v", err)
	}

	f := &fixture{
		store:  store,
		runner: &fakeRunner{root: root},
		dialer: &fakeDialer{uploads: map[string]string{}},
		dep:    d,
		cfg:    cfg,
	}
	sleep := func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	opts = append([]Option{WithClock(time.Now, sleep)}, opts...)
	f.actions = New(cfg, store, f.runner, f.dialer, opts...)
	return f
}

// deployed writes the credentials kolla leaves behind after post-deploy.
func (f *fixture) deployed(t *testing.T) {
	t.Helper()
	dir := f.actions.DeployDir(f.dep.ID)
	writeFile(t, filepath.Join(dir, FileAdminOpenrc),
		"# Clear any old environment\nexport OS_AUTH_URL='http://10.0.0.1:5000'\nexport OS_USERNAME=admin\n")
	writeFile(t, filepath.Join(dir, FilePasswords), "osprofiler_secret: s3cret\n")
	writeFile(t, filepath.Join(dir, FileMultinode), "[control]\nwally101.cloud\n")
	if err := f.store.SetDeploymentState(context.Background(), f.dep.ID, deployment.StateDeployed); err != nil {
		t.Fatalf("failed to set state: %v", err)
	}
}

func (f *fixture) record(kind operation.Kind, args operation.Arguments) *operation.Record {
	rec := operation.New(f.dep.ID, kind, args)
	rec.ID = 1
	_ = rec.MarkStarted(time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC))
	return rec
}

func (f *fixture) state(t *testing.T) deployment.State {
	t.Helper()
	d, err := f.store.GetDeployment(context.Background(), f.dep.ID)
	if err != nil {
		t.Fatalf("failed to load deployment: %v", err)
	}
	return d.State
}

func TestCatalogCoversEveryKind(t *testing.T) {
	f := newFixture(t)

	cat, err := f.actions.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	for _, kind := range operation.Kinds() {
		if _, ok := cat.Lookup(kind); !ok {
			t.Errorf("no action for %s", kind)
		}
	}
}

func TestReserve(t *testing.T) {
	f := newFixture(t)
	f.actions.cfg.RemoteDir = "/etc/kolla"

	if err := f.actions.Reserve(context.Background(), f.record(operation.KindReserve, nil)); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	dir := f.actions.DeployDir(f.dep.ID)
	multinode, err := os.ReadFile(filepath.Join(dir, FileMultinode))
	if err != nil {
		t.Fatalf("multinode not written: %v", err)
	}
	want := "[control]\nwally101.cloud\n\n[monitoring]\nwally101.cloud\n\n[compute]\nwally102.cloud\nwally103.cloud\n"
	if string(multinode) != want {
		t.Errorf("unexpected inventory:\n%s", multinode)
	}

	globals, err := os.ReadFile(filepath.Join(dir, FileGlobals))
	if err != nil {
		t.Fatalf("globals not written: %v", err)
	}
	if !strings.Contains(string(globals), `"10.0.0.1"`) || !strings.Contains(string(globals), f.cfg.CustomConfigDir) {
		t.Errorf("unexpected globals:\n%s", globals)
	}

	for _, name := range []string{FilePasswords, FileBootstrap, FileAnsibleCfg} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not copied: %v", name, err)
		}
	}

	if f.runner.index("kolla-genpwd", "-p", FilePasswords) < 0 {
		t.Error("kolla-genpwd was not run")
	}

	remote := "10.0.0.1:/etc/kolla/deploy1/" + FileMultinode
	if f.dialer.uploads[remote] != want {
		t.Errorf("inventory not uploaded to control node, uploads: %v", f.dialer.uploads)
	}
}

func TestReserveMissingTemplate(t *testing.T) {
	f := newFixture(t)
	_ = os.Remove(filepath.Join(f.cfg.TemplateDir, FileGlobals))

	err := f.actions.Reserve(context.Background(), f.record(operation.KindReserve, nil))
	if err == nil || !strings.Contains(err.Error(), FileGlobals) {
		t.Fatalf("expected template error, got %v", err)
	}
}

func TestDeploy(t *testing.T) {
	f := newFixture(t)
	f.deployed(t)
	_ = f.store.SetDeploymentState(context.Background(), f.dep.ID, deployment.StatePlanned)

	if err := f.actions.Deploy(context.Background(), f.record(operation.KindDeploy, nil)); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	steps := []int{
		f.runner.index("ansible-playbook", FileBootstrap),
		f.runner.index("kolla-ansible", "bootstrap-servers"),
		f.runner.index("kolla-ansible", " deploy"),
		f.runner.index("kolla-ansible", "post-deploy"),
	}
	for i, pos := range steps {
		if pos < 0 {
			t.Fatalf("step %d not run", i)
		}
		if i > 0 && pos < steps[i-1] {
			t.Errorf("step %d ran before step %d", i, i-1)
		}
	}
	if f.state(t) != deployment.StateDeployed {
		t.Errorf("expected deployed, got %s", f.state(t))
	}
	if f.runner.index("openstack", "flavor", "show", "m1.tiny") < 0 {
		t.Error("default flavors not checked")
	}
}

func TestDeployFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.runner.respond = func(c Command) (string, error) {
		if c.Args[len(c.Args)-1] == "deploy" {
			return "", &ExitError{Command: c.Name, ExitCode: 2}
		}
		return "", nil
	}

	err := f.actions.Deploy(context.Background(), f.record(operation.KindDeploy, nil))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode != 2 {
		t.Fatalf("expected exit error, got %v", err)
	}
	if f.state(t) != deployment.StatePlanned {
		t.Errorf("state should stay planned, got %s", f.state(t))
	}
	if f.runner.index("post-deploy") >= 0 {
		t.Error("post-deploy must not run after a failed deploy")
	}
}

func TestDestroyContinuesWhenCloudIsGone(t *testing.T) {
	f := newFixture(t)
	f.deployed(t)
	f.runner.respond = func(c Command) (string, error) {
		if c.Name == "openstack" {
			return "", errors.New("connection refused")
		}
		return "", nil
	}

	if err := f.actions.Destroy(context.Background(), f.record(operation.KindDestroy, nil)); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	stop := f.runner.index("kolla-ansible", "stop", confirmDestroy)
	destroy := f.runner.index("kolla-ansible", "destroy", confirmDestroy)
	if stop < 0 || destroy < stop {
		t.Errorf("expected stop then destroy, got %d %d", stop, destroy)
	}
	if f.state(t) != deployment.StateDestroyed {
		t.Errorf("expected destroyed, got %s", f.state(t))
	}
}

func TestRedeploy(t *testing.T) {
	t.Run("deployed is destroyed first", func(t *testing.T) {
		f := newFixture(t)
		f.deployed(t)

		if err := f.actions.Redeploy(context.Background(), f.record(operation.KindRedeploy, nil)); err != nil {
			t.Fatalf("Redeploy failed: %v", err)
		}
		destroy := f.runner.index("kolla-ansible", "destroy")
		deploy := f.runner.index("kolla-ansible", "bootstrap-servers")
		if destroy < 0 || deploy < destroy {
			t.Errorf("expected destroy before deploy, got %d %d", destroy, deploy)
		}
		if f.state(t) != deployment.StateDeployed {
			t.Errorf("expected deployed, got %s", f.state(t))
		}
	})

	t.Run("destroyed is only deployed", func(t *testing.T) {
		f := newFixture(t)
		_ = f.store.SetDeploymentState(context.Background(), f.dep.ID, deployment.StateDestroyed)

		if err := f.actions.Redeploy(context.Background(), f.record(operation.KindRedeploy, nil)); err != nil {
			t.Fatalf("Redeploy failed: %v", err)
		}
		if f.runner.index("kolla-ansible", "destroy") >= 0 {
			t.Error("destroyed deployment must not be destroyed again")
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("deployed is refused", func(t *testing.T) {
		f := newFixture(t)
		f.deployed(t)

		if err := f.actions.Delete(ctx, f.record(operation.KindDelete, nil)); err == nil {
			t.Fatal("expected error deleting a deployed deployment")
		}
	})

	t.Run("planned is removed", func(t *testing.T) {
		f := newFixture(t)
		dir := f.actions.DeployDir(f.dep.ID)
		writeFile(t, filepath.Join(dir, FileLog), "old\n")

		if err := f.actions.Delete(ctx, f.record(operation.KindDelete, nil)); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("deployment folder should be gone, stat: %v", err)
		}
		if _, err := f.store.GetDeployment(ctx, f.dep.ID); !errors.Is(err, deployment.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		n, _ := f.store.GetNode(ctx, "wally102")
		if !n.Free() {
			t.Error("node should be released")
		}
	})
}

func TestClean(t *testing.T) {
	f := newFixture(t)
	f.deployed(t)

	f.runner.respond = func(c Command) (string, error) {
		s := c.String()
		switch {
		case strings.HasPrefix(s, "openstack server list"):
			return "srv-1\nsrv-2\n", nil
		case strings.HasPrefix(s, "openstack network list"):
			return "net-1\n", nil
		}
		return "", nil
	}

	if err := f.actions.Clean(context.Background(), f.record(operation.KindClean, nil)); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}

	if n := f.runner.count("openstack server delete"); n != 2 {
		t.Errorf("expected 2 server deletes, got %d", n)
	}
	prev := -1
	for _, resource := range cleanupOrder {
		pos := f.runner.index("openstack " + resource + " list")
		if pos < prev {
			t.Errorf("%s listed out of order", resource)
		}
		prev = pos
	}
	if f.runner.index("openstack network delete net-1") < f.runner.index("openstack subnet list") {
		t.Error("network deleted before subnets were listed")
	}

	env := f.runner.commands[0].Env
	joined := strings.Join(env, "\n")
	for _, want := range []string{"OS_AUTH_URL=http://10.0.0.1:5000", "OS_USERNAME=admin", envProfilerKey + "=s3cret"} {
		if !strings.Contains(joined, want) {
			t.Errorf("environment lacks %s", want)
		}
	}
}

func TestCleanWithoutCloud(t *testing.T) {
	f := newFixture(t)

	if err := f.actions.Clean(context.Background(), f.record(operation.KindClean, nil)); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if len(f.runner.commands) != 0 {
		t.Errorf("expected no commands, got %d", len(f.runner.commands))
	}
}

func TestRestartNode(t *testing.T) {
	f := newFixture(t)
	f.deployed(t)
	f.dialer.execErr = &ssh.TransportError{Op: "exec", Err: errors.New("connection lost"), IsTemporary: true}

	polls := 0
	f.runner.respond = func(c Command) (string, error) {
		if strings.HasPrefix(c.String(), "openstack server list") {
			polls++
			if polls < 5 {
				return "vm-1\n", nil
			}
		}
		return "", nil
	}

	rec := f.record(operation.KindRestartNode, operation.Arguments{deployment.ArgNode: "wally102"})
	if err := f.actions.RestartNode(context.Background(), rec); err != nil {
		t.Fatalf("RestartNode failed: %v", err)
	}

	disable := f.runner.index("compute service set --disable wally102.cloud nova-compute")
	enable := f.runner.index("compute service set --enable wally102.cloud nova-compute")
	if disable < 0 || enable < disable {
		t.Errorf("expected disable before enable, got %d %d", disable, enable)
	}

	// Four drain waits, then the first reachability wait.
	want := []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second, 15 * time.Second}
	if len(f.sleeps) != len(want) {
		t.Fatalf("expected sleeps %v, got %v", want, f.sleeps)
	}
	for i := range want {
		if f.sleeps[i] != want[i] {
			t.Errorf("sleep %d: expected %v, got %v", i, want[i], f.sleeps[i])
		}
	}

	if len(f.dialer.execs) != 1 || f.dialer.execs[0] != "10.0.0.2: "+f.cfg.RebootCommand {
		t.Errorf("unexpected remote commands %v", f.dialer.execs)
	}

	n, _ := f.store.GetNode(context.Background(), "wally102")
	if n.State != deployment.NodeActive {
		t.Errorf("node should be active again, got %s", n.State)
	}
}

func TestRestartNodeZeroPollInterval(t *testing.T) {
	f := newFixture(t)
	cfg := f.cfg
	cfg.DrainInitial, cfg.DrainMax = 0, 0
	f.actions = New(cfg, f.store, f.runner, f.dialer, WithClock(time.Now, func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.sleeps = append(f.sleeps, d)
		f.mu.Unlock()
		return ctx.Err()
	}))
	f.deployed(t)
	f.dialer.execErr = &ssh.TransportError{Op: "exec", Err: errors.New("connection lost"), IsTemporary: true}

	polls := 0
	f.runner.respond = func(c Command) (string, error) {
		if strings.HasPrefix(c.String(), "openstack server list") {
			polls++
			if polls < 4 {
				return "vm-1\n", nil
			}
		}
		return "", nil
	}

	rec := f.record(operation.KindRestartNode, operation.Arguments{deployment.ArgNode: "wally102"})
	if err := f.actions.RestartNode(context.Background(), rec); err != nil {
		t.Fatalf("RestartNode failed: %v", err)
	}

	// Three drain waits, then the first reachability wait.
	if len(f.sleeps) != 4 {
		t.Fatalf("expected 4 sleeps, got %v", f.sleeps)
	}
	for i, d := range f.sleeps {
		if d != MinPollInterval {
			t.Errorf("sleep %d: expected %v, got %v", i, MinPollInterval, d)
		}
	}
}

func TestRestartNodeRejectsControl(t *testing.T) {
	f := newFixture(t)
	f.deployed(t)

	rec := f.record(operation.KindRestartNode, operation.Arguments{deployment.ArgNode: "wally101"})
	if err := f.actions.RestartNode(context.Background(), rec); err == nil {
		t.Fatal("expected error for a control node")
	}
	if len(f.runner.commands) != 0 {
		t.Error("no command should run")
	}
}

func rallyResponder(c Command) (string, error) {
	if c.Name == "rally" && strings.Contains(c.String(), "task start") {
		return "Task  " + rallyTaskID + ": started\n", nil
	}
	return "", nil
}

func TestRunLoadEachAnomalyOnce(t *testing.T) {
	f := newFixture(t)
	f.deployed(t)
	f.runner.respond = rallyResponder

	rec := f.record(operation.KindRunLoad, deployment.Experiment{
		Workload:  "---\nNovaServers.boot_and_delete_server: []",
		UseTraces: true,
		Anomalies: map[string]string{
			"anomaly_b": "kill [node_list]",
			"anomaly_a": "stress [random_node]",
		},
	}.Arguments())

	if err := f.actions.RunLoad(context.Background(), rec); err != nil {
		t.Fatalf("RunLoad failed: %v", err)
	}

	experiment := filepath.Join(f.actions.DeployDir(f.dep.ID), rallyFolder, rec.TaskName())
	task0, err := os.ReadFile(filepath.Join(experiment, "counter0", FileTaskSource))
	if err != nil {
		t.Fatalf("counter0 task missing: %v", err)
	}
	if !strings.HasPrefix(string(task0), "---\nNovaServers") || !strings.Contains(string(task0), "stress \"wally10") {
		t.Errorf("unexpected task for anomaly_a:\n%s", task0)
	}

	task1, err := os.ReadFile(filepath.Join(experiment, "counter1", FileTaskSource))
	if err != nil {
		t.Fatalf("counter1 task missing: %v", err)
	}
	if !strings.Contains(string(task1), `kill ["wally101.cloud","wally102.cloud","wally103.cloud"]`) {
		t.Errorf("unexpected task for anomaly_b:\n%s", task1)
	}

	conf, _ := os.ReadFile(filepath.Join(experiment, "counter0", FileRallyConfig))
	if !strings.Contains(string(conf), "enable_profiler = true") {
		t.Errorf("traces not enabled in rally config:\n%s", conf)
	}

	if n := f.runner.count("rally", "task start", "--deployment deployment1"); n != 2 {
		t.Errorf("expected 2 rally runs, got %d", n)
	}
	if f.runner.index("task report "+rallyTaskID, "--json") < 0 {
		t.Error("json report not written")
	}
	if f.runner.index("deployment create --fromenv --name=deployment1") < 0 {
		t.Error("rally deployment not created")
	}
	if _, err := os.Stat(experiment + ".zip"); err != nil {
		t.Errorf("experiment archive missing: %v", err)
	}
}

func TestRunLoadByIterations(t *testing.T) {
	f := newFixture(t)
	f.deployed(t)
	f.runner.respond = rallyResponder

	rec := f.record(operation.KindRunLoad, operation.Arguments{
		deployment.ArgWorkload: "workload",
		deployment.ArgDuration: "3",
	})
	if err := f.actions.RunLoad(context.Background(), rec); err != nil {
		t.Fatalf("RunLoad failed: %v", err)
	}

	experiment := filepath.Join(f.actions.DeployDir(f.dep.ID), rallyFolder, rec.TaskName())
	for _, load := range []string{"load0", "load1", "load2"} {
		if _, err := os.Stat(filepath.Join(experiment, load, FileTaskSource)); err != nil {
			t.Errorf("%s missing: %v", load, err)
		}
	}
	if _, err := os.Stat(filepath.Join(experiment, "load3")); !os.IsNotExist(err) {
		t.Error("load3 should not exist")
	}
}

func TestRunLoadByTime(t *testing.T) {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := start
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur := now
		now = now.Add(25 * time.Minute)
		return cur
	}

	f := newFixture(t, WithClock(clock, func(ctx context.Context, d time.Duration) error { return nil }))
	f.deployed(t)
	f.runner.respond = rallyResponder

	rec := f.record(operation.KindRunLoad, operation.Arguments{
		deployment.ArgWorkload: "workload",
		deployment.ArgDuration: "1h",
	})
	if err := f.actions.RunLoad(context.Background(), rec); err != nil {
		t.Fatalf("RunLoad failed: %v", err)
	}

	// The deadline is read at 10:00; checks at 10:25 and 10:50 start a
	// load, the check at 11:15 ends the experiment.
	if n := f.runner.count("task start"); n != 2 {
		t.Errorf("expected 2 loads, got %d", n)
	}
}

func TestRunLoadInvalidTask(t *testing.T) {
	f := newFixture(t)
	f.deployed(t)
	f.runner.respond = func(c Command) (string, error) {
		if strings.Contains(c.String(), "task validate") {
			return "Input task is invalid!", &ExitError{Command: "rally", ExitCode: 1}
		}
		return rallyResponder(c)
	}

	rec := f.record(operation.KindRunLoad, operation.Arguments{deployment.ArgWorkload: "bad"})
	if err := f.actions.RunLoad(context.Background(), rec); err == nil {
		t.Fatal("expected error for invalid task")
	}

	experiment := filepath.Join(f.actions.DeployDir(f.dep.ID), rallyFolder, rec.TaskName())
	data, err := os.ReadFile(filepath.Join(experiment, "load0", FileRallyError))
	if err != nil || !strings.Contains(string(data), "Input task is invalid!") {
		t.Errorf("rally error not recorded: %q %v", data, err)
	}
	if f.runner.index("task start") >= 0 {
		t.Error("invalid task must not start")
	}
}

func TestParseTaskID(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		wantErr bool
	}{
		{"started", "Running Task... \nTask  " + rallyTaskID + ": started\n", false},
		{"missing", "rally crashed", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := parseTaskID(tt.out)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.String() != rallyTaskID {
				t.Errorf("expected %s, got %s", rallyTaskID, id)
			}
		})
	}
}

func TestTestAction(t *testing.T) {
	f := newFixture(t)

	if err := f.actions.Test(context.Background(), f.record(operation.KindTest, nil)); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if len(f.sleeps) != 1 || f.sleeps[0] != f.cfg.TestDelay {
		t.Errorf("expected one sleep of %v, got %v", f.cfg.TestDelay, f.sleeps)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plain := New(f.cfg, f.store, f.runner, nil)
	if err := plain.Test(ctx, f.record(operation.KindTest, nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
