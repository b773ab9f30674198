package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"cfdb/pkg/core"
	"cfdb/pkg/record"
)

// parseData 把命令行上的 JSON 对象解析为记录字段
// 整数形式的数字转成 int64，checksum 与程序内写入的整数一致
func parseData(s string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		return nil, fmt.Errorf("value must be a JSON object: %w", err)
	}
	for k, v := range data {
		data[k] = normalizeNumber(v)
	}
	return data, nil
}

func normalizeNumber(v any) any {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumber(e)
		}
	case []any:
		for i, e := range x {
			x[i] = normalizeNumber(e)
		}
	}
	return v
}

// parseScheme 解析 "<namespace>@<version>"，version 缺省为 1
func parseScheme(s string) (record.Scheme, error) {
	ns, ver, found := strings.Cut(s, "@")
	sc := record.Scheme{Namespace: ns, Version: 1}
	if ns == "" {
		return sc, fmt.Errorf("scheme namespace is required")
	}
	if found {
		if _, err := fmt.Sscanf(ver, "%d", &sc.Version); err != nil {
			return sc, fmt.Errorf("invalid scheme version %q", ver)
		}
	}
	return sc, nil
}

func printRecord(w io.Writer, rec *record.Record) error {
	if rec.IsNull() {
		_, err := fmt.Fprintln(w, "null")
		return err
	}
	out, err := json.MarshalIndent(map[string]any{
		"scheme": rec.Scheme.String(),
		"data":   rec.Data,
	}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

// printCommit 仿 git log 的格式输出一个提交
func printCommit(w io.Writer, c *core.Commit, isHead bool) {
	const (
		colorYellow = "\033[33m"
		colorReset  = "\033[0m"
	)
	marker := ""
	if isHead {
		marker = " (HEAD)"
	}
	kind := "full"
	if c.IsDelta() {
		kind = "delta"
	}
	fmt.Fprintf(w, "%scommit %s%s%s\n", colorYellow, c.ID, marker, colorReset)
	fmt.Fprintf(w, "Session: %s\n", c.Session)
	fmt.Fprintf(w, "Date:    %s\n", c.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(w, "Format:  %s (%s)\n", kind, c.ContentsChecksum())
	if len(c.Parents) > 1 {
		fmt.Fprintf(w, "Merge:   %v (base %s)\n", c.Parents, c.MergeBase)
	} else if len(c.Parents) == 1 {
		fmt.Fprintf(w, "Parent:  %s\n", c.Parents[0])
	}
	fmt.Fprintln(w)
}
