package actions

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/cloudbench/cloudbench/pkg/transports/ssh"
)

// Files of a deployment folder.
const (
	FileMultinode   = "multinode"
	FileGlobals     = "globals.yml"
	FilePasswords   = "passwords.yml"
	FileBootstrap   = "bootstrap.yml"
	FileAnsibleCfg  = "ansible.cfg"
	FileAdminOpenrc = "admin-openrc.sh"
	FileLog         = "log"
)

// Placeholders substituted in the deployer templates.
const (
	placeholderControlIDs    = "[control_ids]"
	placeholderMonitoringIDs = "[monitoring_ids]"
	placeholderComputeIDs    = "[compute_ids]"
	placeholderControlIP     = "[control_ip]"
	placeholderConfigDir     = "[config_dir]"
)

const confirmDestroy = "--yes-i-really-really-mean-it"

// Reserve prepares the kolla configuration of a freshly reserved deployment.
func (a *Actions) Reserve(ctx context.Context, rec *operation.Record) error {
	d, err := a.deploymentOf(ctx, rec)
	if err != nil {
		return err
	}
	control := d.ControlNode()
	if control == nil {
		return fmt.Errorf("deployment %d has no control node", d.ID)
	}

	dir := a.DeployDir(d.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create deployment folder: %w", err)
	}

	var computes strings.Builder
	for _, n := range d.ComputeNodes() {
		computes.WriteString(n.Domain + "\n")
	}
	inventory := strings.NewReplacer(
		placeholderControlIDs, control.Domain+"\n",
		placeholderMonitoringIDs, d.MonitoringNode().Domain+"\n",
		placeholderComputeIDs, computes.String(),
	)
	if err := a.renderTemplate(FileMultinode, dir, inventory); err != nil {
		return err
	}

	configDir, err := filepath.Abs(a.cfg.CustomConfigDir)
	if err != nil {
		return fmt.Errorf("failed to resolve config dir: %w", err)
	}
	globals := strings.NewReplacer(
		placeholderControlIP, control.IP,
		placeholderConfigDir, configDir,
	)
	if err := a.renderTemplate(FileGlobals, dir, globals); err != nil {
		return err
	}

	for _, name := range []string{FilePasswords, FileBootstrap, FileAnsibleCfg} {
		if err := a.renderTemplate(name, dir, strings.NewReplacer()); err != nil {
			return err
		}
	}

	if _, err := a.runner.Run(ctx, Command{
		Name: a.cfg.Binaries.KollaGenpwd,
		Args: []string{"-p", filepath.Join(dir, FilePasswords)},
		Log:  a.deployFile(d.ID, FileLog),
	}); err != nil {
		return fmt.Errorf("failed to generate passwords: %w", err)
	}

	if a.cfg.RemoteDir != "" {
		if err := a.uploadConfig(ctx, d, control); err != nil {
			return err
		}
	}

	a.log(rec).Info().Str("dir", dir).Msg("Deployment configuration prepared")
	return nil
}

// renderTemplate copies a deployer template into dir, applying r.
func (a *Actions) renderTemplate(name, dir string, r *strings.Replacer) error {
	src, err := os.ReadFile(filepath.Join(a.cfg.TemplateDir, name))
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(r.Replace(string(src))), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// uploadConfig places the generated kolla files on the control node.
func (a *Actions) uploadConfig(ctx context.Context, d *deployment.Deployment, control *deployment.Node) error {
	if a.dialer == nil {
		return fmt.Errorf("no SSH dialer configured")
	}
	remote, err := a.dialer.Dial(ctx, control.IP)
	if err != nil {
		return fmt.Errorf("failed to reach control node %s: %w", control.Name, err)
	}
	defer remote.Close()

	remoteDir := path.Join(a.cfg.RemoteDir, path.Base(a.DeployDir(d.ID)))
	for _, name := range []string{FileMultinode, FileGlobals, FilePasswords} {
		if err := a.uploadFile(ctx, remote, a.deployFile(d.ID, name), path.Join(remoteDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Actions) uploadFile(ctx context.Context, remote ssh.Remote, local, remotePath string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer f.Close()

	if err := remote.Upload(ctx, f, remotePath, 0o600); err != nil {
		return fmt.Errorf("failed to upload %s: %w", filepath.Base(local), err)
	}
	return nil
}

// kolla returns a kolla-ansible invocation against the deployment folder.
func (a *Actions) kolla(id int64, args ...string) Command {
	dir := a.DeployDir(id)
	base := []string{
		"--passwords", filepath.Join(dir, FilePasswords),
		"--configdir", dir,
		"--inventory", filepath.Join(dir, FileMultinode),
	}
	return Command{
		Name: a.cfg.Binaries.KollaAnsible,
		Args: append(base, args...),
		Log:  a.deployFile(id, FileLog),
	}
}

// Deploy installs OpenStack on the deployment's nodes.
func (a *Actions) Deploy(ctx context.Context, rec *operation.Record) error {
	d, err := a.deploymentOf(ctx, rec)
	if err != nil {
		return err
	}
	return a.deploy(ctx, rec, d.ID)
}

func (a *Actions) deploy(ctx context.Context, rec *operation.Record, id int64) error {
	dir := a.DeployDir(id)
	log := a.log(rec)

	steps := []Command{
		{
			Name: a.cfg.Binaries.AnsiblePlaybook,
			Args: []string{"--inventory", filepath.Join(dir, FileMultinode), filepath.Join(dir, FileBootstrap)},
			Log:  a.deployFile(id, FileLog),
		},
		a.kolla(id, "bootstrap-servers"),
		a.kolla(id, "deploy"),
		a.kolla(id, "post-deploy"),
	}
	for _, step := range steps {
		log.Info().Str("command", step.String()).Msg("Deploy step started")
		if _, err := a.runner.Run(ctx, step); err != nil {
			return fmt.Errorf("deploy of %d failed: %w", id, err)
		}
	}

	if err := a.store.SetDeploymentState(ctx, id, deployment.StateDeployed); err != nil {
		return err
	}

	if err := a.ensureFlavors(ctx, id); err != nil {
		log.Warn().Err(err).Msg("Failed to create default flavors")
	}

	log.Info().Msg("Deployment deployed")
	return nil
}

// Destroy removes OpenStack from the deployment's nodes.
func (a *Actions) Destroy(ctx context.Context, rec *operation.Record) error {
	d, err := a.deploymentOf(ctx, rec)
	if err != nil {
		return err
	}
	return a.destroy(ctx, rec, d.ID)
}

func (a *Actions) destroy(ctx context.Context, rec *operation.Record, id int64) error {
	log := a.log(rec)

	// The cloud may already be unreachable; destroying must still proceed.
	if err := a.clean(ctx, rec, id); err != nil {
		log.Warn().Err(err).Msg("Cleanup before destroy failed")
	}

	for _, step := range []Command{
		a.kolla(id, "stop", confirmDestroy),
		a.kolla(id, "destroy", confirmDestroy),
	} {
		if _, err := a.runner.Run(ctx, step); err != nil {
			return fmt.Errorf("destroy of %d failed: %w", id, err)
		}
	}

	if err := a.store.SetDeploymentState(ctx, id, deployment.StateDestroyed); err != nil {
		return err
	}

	log.Info().Msg("Deployment destroyed")
	return nil
}

// Redeploy destroys the deployment unless it is already destroyed, then
// deploys it again.
func (a *Actions) Redeploy(ctx context.Context, rec *operation.Record) error {
	d, err := a.deploymentOf(ctx, rec)
	if err != nil {
		return err
	}
	if !d.IsDestroyed() {
		if err := a.destroy(ctx, rec, d.ID); err != nil {
			return err
		}
	}
	return a.deploy(ctx, rec, d.ID)
}

// Delete releases the nodes, forgets the deployment and removes its folder.
func (a *Actions) Delete(ctx context.Context, rec *operation.Record) error {
	d, err := a.deploymentOf(ctx, rec)
	if err != nil {
		return err
	}
	if !d.CanBeDeleted() {
		return fmt.Errorf("deployment %d is %s and cannot be deleted", d.ID, d.State)
	}

	if err := a.store.DeleteDeployment(ctx, d.ID); err != nil {
		return err
	}
	if err := os.RemoveAll(a.DeployDir(d.ID)); err != nil {
		return fmt.Errorf("failed to remove deployment folder: %w", err)
	}

	a.log(rec).Info().Msg("Deployment deleted")
	return nil
}
