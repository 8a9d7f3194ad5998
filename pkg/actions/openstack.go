package actions

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/transports/ssh"
)

// envProfilerKey carries the osprofiler secret to rally and the openstack
// client.
const envProfilerKey = "OSPROFILER_HMAC_KEY"

// errNoCloud is returned when a deployment has no admin credentials yet.
var errNoCloud = errors.New("deployment has no admin-openrc.sh")

// cleanupOrder lists the openstack resources removed by Clean, dependents
// first.
var cleanupOrder = []string{
	"server",
	"volume",
	"floating ip",
	"port",
	"router",
	"subnet",
	"network",
	"image",
}

// openstackEnv returns the process environment extended with the admin
// credentials kolla wrote for deployment id.
func (a *Actions) openstackEnv(id int64) ([]string, error) {
	f, err := os.Open(a.deployFile(id, FileAdminOpenrc))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNoCloud
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials: %w", err)
	}
	defer f.Close()

	env := os.Environ()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "export ") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		env = append(env, key+"="+strings.Trim(value, `'"`))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	secret, err := a.profilerSecret(id)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		env = append(env, envProfilerKey+"="+secret)
	}
	return env, nil
}

func (a *Actions) profilerSecret(id int64) (string, error) {
	data, err := os.ReadFile(a.deployFile(id, FilePasswords))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read passwords: %w", err)
	}

	var passwords struct {
		OsprofilerSecret string `yaml:"osprofiler_secret"`
	}
	if err := yaml.Unmarshal(data, &passwords); err != nil {
		return "", fmt.Errorf("failed to parse passwords: %w", err)
	}
	return passwords.OsprofilerSecret, nil
}

func (a *Actions) openstack(id int64, env []string, args ...string) Command {
	return Command{
		Name: a.cfg.Binaries.Openstack,
		Args: args,
		Env:  env,
		Log:  a.deployFile(id, FileLog),
	}
}

// Clean deletes every user resource of the deployment's cloud.
func (a *Actions) Clean(ctx context.Context, rec *operation.Record) error {
	d, err := a.deploymentOf(ctx, rec)
	if err != nil {
		return err
	}
	return a.clean(ctx, rec, d.ID)
}

func (a *Actions) clean(ctx context.Context, rec *operation.Record, id int64) error {
	env, err := a.openstackEnv(id)
	if errors.Is(err, errNoCloud) {
		a.log(rec).Info().Msg("Nothing to clean, cloud was never deployed")
		return nil
	}
	if err != nil {
		return err
	}

	for _, resource := range cleanupOrder {
		kind := strings.Fields(resource)
		out, err := a.runner.Run(ctx, a.openstack(id, env, append(kind, "list", "-f", "value", "-c", "ID")...))
		if err != nil {
			return fmt.Errorf("failed to list %ss: %w", resource, err)
		}
		ids := lines(out)
		for _, rid := range ids {
			if _, err := a.runner.Run(ctx, a.openstack(id, env, append(kind, "delete", rid)...)); err != nil {
				return fmt.Errorf("failed to delete %s %s: %w", resource, rid, err)
			}
		}
		if len(ids) > 0 {
			a.log(rec).Info().Str("resource", resource).Int("count", len(ids)).Msg("Resources deleted")
		}
	}
	return nil
}

// defaultFlavors are created after a deploy when missing.
var defaultFlavors = []struct {
	name            string
	ram, disk, vcpu string
}{
	{"m1.tiny", "512", "1", "1"},
	{"m1.small", "2048", "20", "1"},
}

func (a *Actions) ensureFlavors(ctx context.Context, id int64) error {
	env, err := a.openstackEnv(id)
	if err != nil {
		return err
	}

	for _, f := range defaultFlavors {
		if _, err := a.runner.Run(ctx, a.openstack(id, env, "flavor", "show", f.name)); err == nil {
			continue
		}
		_, err := a.runner.Run(ctx, a.openstack(id, env,
			"flavor", "create", "--public", "--ram", f.ram, "--disk", f.disk, "--vcpus", f.vcpu, f.name))
		if err != nil {
			return fmt.Errorf("failed to create flavor %s: %w", f.name, err)
		}
	}
	return nil
}

// RestartNode takes a compute node out of scheduling, waits for its
// servers to move away, reboots it and puts it back.
func (a *Actions) RestartNode(ctx context.Context, rec *operation.Record) error {
	d, err := a.deploymentOf(ctx, rec)
	if err != nil {
		return err
	}
	name := rec.Arguments[deployment.ArgNode]
	node := d.Node(name)
	if node == nil || !node.Compute {
		return fmt.Errorf("%s is not a compute node of deployment %d", name, d.ID)
	}
	if a.dialer == nil {
		return fmt.Errorf("no SSH dialer configured")
	}

	env, err := a.openstackEnv(d.ID)
	if err != nil {
		return err
	}

	log := a.log(rec).With().Str("node", node.Name).Logger()

	if err := a.store.SetNodeState(ctx, node.Name, deployment.NodeRestarting); err != nil {
		return err
	}
	defer func() {
		if err := a.store.SetNodeState(context.WithoutCancel(ctx), node.Name, deployment.NodeActive); err != nil {
			log.Error().Err(err).Msg("Failed to mark node active")
		}
	}()

	log.Info().Msg("Disabling compute service")
	if _, err := a.runner.Run(ctx, a.openstack(d.ID, env,
		"compute", "service", "set", "--disable", node.Domain, "nova-compute")); err != nil {
		return fmt.Errorf("failed to disable %s: %w", node.Name, err)
	}

	if err := a.waitDrained(ctx, d.ID, env, node); err != nil {
		return err
	}

	log.Info().Msg("Rebooting node")
	if err := a.reboot(ctx, node); err != nil {
		return err
	}
	if err := a.waitReachable(ctx, node); err != nil {
		return err
	}

	log.Info().Msg("Enabling compute service")
	if _, err := a.runner.Run(ctx, a.openstack(d.ID, env,
		"compute", "service", "set", "--enable", node.Domain, "nova-compute")); err != nil {
		return fmt.Errorf("failed to enable %s: %w", node.Name, err)
	}

	return nil
}

// waitDrained polls until no server runs on node, doubling the interval
// from DrainInitial up to DrainMax.
func (a *Actions) waitDrained(ctx context.Context, id int64, env []string, node *deployment.Node) error {
	wait := a.cfg.DrainInitial
	for {
		out, err := a.runner.Run(ctx, a.openstack(id, env,
			"server", "list", "--all-projects", "--host", node.Domain, "-f", "value", "-c", "ID"))
		if err != nil {
			return fmt.Errorf("failed to list servers on %s: %w", node.Name, err)
		}
		remaining := len(lines(out))
		if remaining == 0 {
			return nil
		}

		a.logger.Debug().Str("node", node.Name).Int("servers", remaining).Dur("wait", wait).Msg("Waiting for node to drain")
		if err := a.sleep(ctx, wait); err != nil {
			return err
		}
		if wait < a.cfg.DrainMax {
			wait = min(wait*2, a.cfg.DrainMax)
		}
	}
}

func (a *Actions) reboot(ctx context.Context, node *deployment.Node) error {
	remote, err := a.dialer.Dial(ctx, node.IP)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", node.Name, err)
	}
	defer remote.Close()

	if _, err := remote.Exec(ctx, a.cfg.RebootCommand); err != nil {
		// The connection usually drops before the exit status is sent.
		var terr *ssh.TransportError
		if errors.As(err, &terr) && terr.Temporary() {
			return nil
		}
		return fmt.Errorf("failed to reboot %s: %w", node.Name, err)
	}
	return nil
}

// waitReachable waits for node to accept SSH connections again.
func (a *Actions) waitReachable(ctx context.Context, node *deployment.Node) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RebootTimeout)
	defer cancel()

	wait := a.cfg.DrainInitial
	for {
		if err := a.sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s did not come back: %w", node.Name, err)
		}

		remote, err := a.dialer.Dial(ctx, node.IP)
		if err == nil {
			return remote.Close()
		}

		a.logger.Debug().Err(err).Str("node", node.Name).Msg("Node not reachable yet")
		if wait < a.cfg.DrainMax {
			wait = min(wait*2, a.cfg.DrainMax)
		}
	}
}
