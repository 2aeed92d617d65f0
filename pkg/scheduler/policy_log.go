package scheduler

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/determined-ai/trialsched/pkg/model"
)

// GlobalPolicyFile collects every exploit of an experiment.
const GlobalPolicyFile = "pbt_global.txt"

// PolicyFile returns the name of the file holding the exploit history of one trial.
func PolicyFile(id model.TrialID) string {
	return "pbt_policy_" + string(id) + ".txt"
}

// PolicyRecord is one exploit: the exploiting trial took over the source trial's checkpoint and
// continued with NewConfig. Records are written as JSON arrays, one per line.
type PolicyRecord struct {
	ExploiterTag  string
	SourceTag     string
	ExploiterStep int
	SourceStep    int
	SourceConfig  map[string]interface{}
	NewConfig     map[string]interface{}
}

// MarshalJSON implements the json.Marshaler interface.
func (p PolicyRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{
		p.ExploiterTag, p.SourceTag, p.ExploiterStep, p.SourceStep, p.SourceConfig, p.NewConfig,
	})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *PolicyRecord) UnmarshalJSON(data []byte) error {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if len(fields) != 6 {
		return errors.Errorf("policy record has %d fields, expected 6", len(fields))
	}
	targets := []interface{}{
		&p.ExploiterTag, &p.SourceTag, &p.ExploiterStep, &p.SourceStep, &p.SourceConfig, &p.NewConfig,
	}
	for i, target := range targets {
		if err := json.Unmarshal(fields[i], target); err != nil {
			return errors.Wrapf(err, "policy record field %d", i)
		}
	}
	return nil
}

// ReadPolicyLog reads every record of a policy file, oldest first.
func ReadPolicyLog(path string) ([]PolicyRecord, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "opening policy log")
	}
	defer f.Close()

	var records []PolicyRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec PolicyRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, line)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading policy log")
	}
	return records, nil
}

// policyLogger writes exploits to the global log and to per-trial logs. A trial inherits the
// history of the trial it cloned, so its log always describes its whole schedule.
type policyLogger struct {
	dir string
}

func (l policyLogger) log(target, source model.TrialID, rec PolicyRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encoding policy record")
	}
	line = append(line, '\n')

	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return errors.Wrap(err, "creating policy log directory")
	}
	if err := appendFile(filepath.Join(l.dir, GlobalPolicyFile), line); err != nil {
		return err
	}

	targetPath := filepath.Join(l.dir, PolicyFile(target))
	if err := copyFile(filepath.Join(l.dir, PolicyFile(source)), targetPath); err != nil {
		return err
	}
	return appendFile(targetPath, line)
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %s", path)
	}
	return f.Close()
}

// copyFile replaces dst with src. A missing src leaves dst alone.
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.Wrapf(err, "opening %s", src)
	}
	defer in.Close()

	out, err := os.Create(dst) //nolint:gosec
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "copying %s", src)
	}
	return out.Close()
}
