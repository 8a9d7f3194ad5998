package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/cloudbench/cloudbench/pkg/api"
	"github.com/cloudbench/cloudbench/pkg/deployment"
	"github.com/cloudbench/cloudbench/pkg/operation"
)

var stdout io.Writer = os.Stdout

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...string) *tabwriter.Writer {
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	return w
}

// printAdmission reports an intention. A rejection is an error so that the
// exit status tells scripts what happened.
func printAdmission(a *api.AdmissionResponse) error {
	if jsonOutput {
		if err := printJSON(a); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, a.Message)
		for _, w := range a.Warnings {
			fmt.Fprintf(stdout, "warning: %s\n", w)
		}
		if a.Operation != nil {
			fmt.Fprintf(stdout, "request %d queued for deployment %d\n", a.Operation.ID, a.Operation.DeployID)
		}
	}
	if !a.Accepted {
		return fmt.Errorf("rejected: %s", a.Message)
	}
	return nil
}

func printDeployments(ds []*deployment.Deployment) error {
	if jsonOutput {
		return printJSON(ds)
	}
	w := newTable("ID", "STATE", "CONTROL", "MONITORING", "COMPUTE", "CREATED")
	for _, d := range ds {
		control, monitoring := "-", "-"
		if n := d.ControlNode(); n != nil {
			control = n.Name
		}
		if n := d.MonitoringNode(); n != nil {
			monitoring = n.Name
		}
		var compute []string
		for _, n := range d.ComputeNodes() {
			compute = append(compute, n.Name)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.State, control, monitoring, strings.Join(compute, ","),
			d.CreatedAt.Format(operation.DateTimeLayout))
	}
	return w.Flush()
}

func printViews(views []operation.View) error {
	if jsonOutput {
		return printJSON(views)
	}
	w := newTable("ID", "DEPLOYMENT", "KIND", "STATUS", "SUBMITTED", "STARTED", "FINISHED", "OUTCOME")
	for _, v := range views {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.DeployID, v.RequestType, v.Status, v.RequestTime, v.Start, v.End, v.Outcome)
	}
	return w.Flush()
}

func printView(v *operation.View) error {
	if jsonOutput {
		return printJSON(v)
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%d\n", v.ID)
	fmt.Fprintf(w, "Deployment:\t%d\n", v.DeployID)
	fmt.Fprintf(w, "Kind:\t%s\n", v.RequestType)
	fmt.Fprintf(w, "Status:\t%s\n", v.Status)
	fmt.Fprintf(w, "Submitted:\t%s\n", v.RequestTime)
	fmt.Fprintf(w, "Started:\t%s\n", v.Start)
	fmt.Fprintf(w, "Finished:\t%s\n", v.End)
	fmt.Fprintf(w, "Outcome:\t%s\n", v.Outcome)
	if v.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", v.Error)
	}
	keys := make([]string, 0, len(v.Kwargs))
	for k := range v.Kwargs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s:\t%s\n", k, v.Kwargs[k])
	}
	return w.Flush()
}
