package actions

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
)

// Files of a load folder.
const (
	FileRallyConfig = "rally.conf"
	FileTaskSource  = "task_source.yaml"
	FileRallyLog    = "rally_log"
	FileRallyError  = "rally_error"
	FileReportHTML  = "rally_report.html"
	FileReportJSON  = "rally_report.json"
)

// Placeholders substituted in anomaly hooks.
const (
	placeholderRandomNode = "[random_node]"
	placeholderNodeList   = "[node_list]"
)

const rallyFolder = "rally"

var taskIDPattern = regexp.MustCompile(`Task\s+([0-9a-fA-F-]{36})`)

// RunLoad runs a rally experiment against the deployment's cloud.
//
// With no duration every anomaly hook runs once in its own load. A numeric
// duration runs that many loads and a duration such as "2h" keeps starting
// loads until the budget is spent; both pick a random hook per load.
func (a *Actions) RunLoad(ctx context.Context, rec *operation.Record) error {
	d, err := a.deploymentOf(ctx, rec)
	if err != nil {
		return err
	}

	exp := deployment.ExperimentFromArguments(rec.Arguments)
	mode, iterations, budget, err := exp.Mode()
	if err != nil {
		return err
	}

	taskName := rec.TaskName()
	if taskName == "" {
		return fmt.Errorf("operation %d has not started", rec.ID)
	}

	env, err := a.openstackEnv(d.ID)
	if err != nil {
		return err
	}

	config, err := a.rallyConfig(exp.UseTraces)
	if err != nil {
		return err
	}

	if err := a.ensureRallyDeployment(ctx, d.ID, env); err != nil {
		return err
	}

	run := &experimentRun{
		Actions:  a,
		d:        d,
		env:      env,
		config:   config,
		taskName: taskName,
		workload: exp.Workload,
	}

	hooks := exp.Hooks()
	log := a.log(rec)
	log.Info().Str("task", taskName).Int("hooks", len(hooks)).Msg("Experiment started")

	switch mode {
	case deployment.EachAnomalyOnce:
		if len(hooks) == 0 {
			err = run.load(ctx, "load0", "")
			break
		}
		for i, hook := range hooks {
			if err = run.load(ctx, "counter"+strconv.Itoa(i), hook); err != nil {
				break
			}
		}

	case deployment.ByIterations:
		for i := 0; i < iterations && err == nil; i++ {
			err = run.load(ctx, "load"+strconv.Itoa(i), a.pickHook(hooks))
		}

	case deployment.ByTime:
		deadline := a.now().Add(budget)
		for i := 0; a.now().Before(deadline) && err == nil; i++ {
			if err = ctx.Err(); err == nil {
				err = run.load(ctx, "load"+strconv.Itoa(i), a.pickHook(hooks))
			}
		}
	}
	if err != nil {
		return err
	}

	if err := a.archiveExperiment(d.ID, taskName); err != nil {
		return err
	}

	log.Info().Str("task", taskName).Msg("Experiment finished")
	return nil
}

func (a *Actions) pickHook(hooks []string) string {
	if len(hooks) == 0 {
		return ""
	}
	return hooks[a.intn(len(hooks))]
}

// rallyConfig renders the rally.conf template.
func (a *Actions) rallyConfig(useTraces bool) (string, error) {
	tmpl, err := template.ParseFiles(filepath.Join(a.cfg.RallyDir, FileRallyConfig))
	if err != nil {
		return "", fmt.Errorf("failed to parse rally config template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ UseTraces bool }{useTraces}); err != nil {
		return "", fmt.Errorf("failed to render rally config: %w", err)
	}
	return buf.String(), nil
}

func rallyDeploymentName(id int64) string {
	return "deployment" + strconv.FormatInt(id, 10)
}

// ensureRallyDeployment recreates the rally deployment from the admin
// credentials so it tracks the current cloud.
func (a *Actions) ensureRallyDeployment(ctx context.Context, id int64, env []string) error {
	name := rallyDeploymentName(id)
	logFile := a.deployFile(id, FileRallyLog)

	// Fails when no previous deployment exists.
	_, _ = a.runner.Run(ctx, Command{
		Name: a.cfg.Binaries.Rally,
		Args: []string{"deployment", "destroy", name},
		Env:  env,
		Log:  logFile,
	})

	if _, err := a.runner.Run(ctx, Command{
		Name: a.cfg.Binaries.Rally,
		Args: []string{"deployment", "create", "--fromenv", "--name=" + name},
		Env:  env,
		Log:  logFile,
	}); err != nil {
		return fmt.Errorf("failed to create rally deployment: %w", err)
	}
	return nil
}

func (a *Actions) experimentDir(id int64, taskName string) string {
	return filepath.Join(a.DeployDir(id), rallyFolder, taskName)
}

// experimentRun holds what every load of one experiment shares.
type experimentRun struct {
	*Actions
	d        *deployment.Deployment
	env      []string
	config   string
	taskName string
	workload string
}

// rally returns a rally invocation that runs inside dir.
func (r *experimentRun) rally(dir string, args ...string) Command {
	base := []string{"--config-file", FileRallyConfig}
	if len(r.cfg.RallyPlugins) > 0 {
		base = append(base, "--plugin-paths", strings.Join(r.cfg.RallyPlugins, ","))
	}
	return Command{
		Name: r.cfg.Binaries.Rally,
		Args: append(base, args...),
		Dir:  dir,
		Env:  r.env,
		Log:  filepath.Join(dir, FileRallyLog),
	}
}

// load runs one rally task with hook appended to the workload.
func (r *experimentRun) load(ctx context.Context, name, hook string) error {
	experimentDir := r.experimentDir(r.d.ID, r.taskName)
	dir := filepath.Join(experimentDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create load folder: %w", err)
	}

	task := r.workload + "\n" + r.renderHook(hook)
	if err := os.WriteFile(filepath.Join(dir, FileTaskSource), []byte(task), 0o644); err != nil {
		return fmt.Errorf("failed to write task: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileRallyConfig), []byte(r.config), 0o644); err != nil {
		return fmt.Errorf("failed to write rally config: %w", err)
	}
	if err := copyFile(r.deployFile(r.d.ID, FileMultinode), filepath.Join(dir, FileMultinode)); err != nil {
		return err
	}

	deploymentName := rallyDeploymentName(r.d.ID)

	out, err := r.runner.Run(ctx, r.rally(dir, "task", "validate", FileTaskSource, "--deployment", deploymentName))
	if err != nil {
		_ = os.WriteFile(filepath.Join(dir, FileRallyError), []byte(out+"\n"+err.Error()+"\n"), 0o644)
		return fmt.Errorf("load %s is invalid: %w", name, err)
	}

	out, err = r.runner.Run(ctx, r.rally(dir, "task", "start", FileTaskSource, "--deployment", deploymentName))
	if err != nil {
		return fmt.Errorf("load %s failed: %w", name, err)
	}

	taskID, err := parseTaskID(out)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	for _, args := range [][]string{
		{"task", "report", taskID.String(), "--out", FileReportHTML},
		{"task", "report", taskID.String(), "--json", "--out", FileReportJSON},
	} {
		if _, err := r.runner.Run(ctx, r.rally(dir, args...)); err != nil {
			return fmt.Errorf("failed to write report of load %s: %w", name, err)
		}
	}

	report := r.rally(experimentDir, "task", "report", "--deployment", deploymentName, "--out", FileReportHTML)
	report.Log = filepath.Join(dir, FileRallyLog)
	if _, err := r.runner.Run(ctx, report); err != nil {
		return fmt.Errorf("failed to write experiment report: %w", err)
	}

	r.logger.Info().
		Int64("deployment_id", r.d.ID).
		Str("task", r.taskName).
		Str("load", name).
		Str("rally_task", taskID.String()).
		Msg("Load finished")
	return nil
}

// renderHook substitutes node placeholders with quoted node domains.
func (r *experimentRun) renderHook(hook string) string {
	if hook == "" || len(r.d.Nodes) == 0 {
		return hook
	}

	domains := make([]string, len(r.d.Nodes))
	for i, n := range r.d.Nodes {
		domains[i] = n.Domain
	}
	list, _ := json.Marshal(domains)
	random, _ := json.Marshal(domains[r.intn(len(domains))])

	return strings.NewReplacer(
		placeholderRandomNode, string(random),
		placeholderNodeList, string(list),
	).Replace(hook)
}

// parseTaskID finds the task uuid rally prints when a task starts.
func parseTaskID(out string) (uuid.UUID, error) {
	m := taskIDPattern.FindStringSubmatch(out)
	if m == nil {
		return uuid.Nil, fmt.Errorf("rally did not report a task id")
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid rally task id %q: %w", m[1], err)
	}
	return id, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

// archiveExperiment zips the experiment folder next to it.
func (a *Actions) archiveExperiment(id int64, taskName string) error {
	dir := a.experimentDir(id, taskName)

	f, err := os.Create(dir + ".zip")
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(dir), path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to archive experiment %s: %w", taskName, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to archive experiment %s: %w", taskName, err)
	}
	return nil
}
