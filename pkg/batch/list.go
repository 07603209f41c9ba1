package batch

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"brainreg/pkg/regerr"
	"brainreg/pkg/registration"
)

// Lists names one list file per job field. Each file holds one path per
// line; empty lists are not used. Every used list must have the same length.
type Lists struct {
	Ref, Flo       string
	RefSeg, FloSeg string

	RefReg, FloReg     string
	FwdField, BakField string
}

// ReadList reads the non-blank lines of a list file, trimmed.
func ReadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open list file: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list file %s: %w", path, err)
	}
	return out, nil
}

// Jobs reads every list and zips them into jobs.
func (l Lists) Jobs() ([]registration.Job, error) {
	fields := []struct {
		name string
		path string
		set  func(*registration.Job, string)
	}{
		{"reference", l.Ref, func(j *registration.Job, p string) { j.Ref = p }},
		{"floating", l.Flo, func(j *registration.Job, p string) { j.Flo = p }},
		{"reference segmentation", l.RefSeg, func(j *registration.Job, p string) { j.RefSeg = p }},
		{"floating segmentation", l.FloSeg, func(j *registration.Job, p string) { j.FloSeg = p }},
		{"registered reference", l.RefReg, func(j *registration.Job, p string) { j.RefReg = p }},
		{"registered floating", l.FloReg, func(j *registration.Job, p string) { j.FloReg = p }},
		{"forward field", l.FwdField, func(j *registration.Job, p string) { j.FwdField = p }},
		{"backward field", l.BakField, func(j *registration.Job, p string) { j.BakField = p }},
	}

	var jobs []registration.Job
	length := -1
	for n, fld := range fields {
		if fld.path == "" {
			if n < 4 {
				return nil, &regerr.ConfigurationError{Reason: fld.name + " list must be provided"}
			}
			continue
		}
		paths, err := ReadList(fld.path)
		if err != nil {
			return nil, err
		}
		if length < 0 {
			length = len(paths)
			jobs = make([]registration.Job, length)
		} else if len(paths) != length {
			return nil, &regerr.ConfigurationError{
				Reason: fmt.Sprintf("%s list %s has %d entries, expected %d", fld.name, fld.path, len(paths), length),
			}
		}
		for i, p := range paths {
			fld.set(&jobs[i], p)
		}
	}
	if length == 0 {
		return nil, &regerr.ConfigurationError{Reason: "list files are empty"}
	}
	for i, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, fmt.Errorf("pair %d: %w", i, err)
		}
	}
	return jobs, nil
}
