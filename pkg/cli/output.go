package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/jguan/agent-domain/pkg/agent"
	"github.com/jguan/agent-domain/pkg/service"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

type OutputOptions struct {
	Format    OutputFormat
	Quiet     bool
	Writer    io.Writer
	ErrWriter io.Writer
}

func NewOutputOptions() *OutputOptions {
	return &OutputOptions{
		Format:    OutputTable,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

func FormatOutput(data any, format OutputFormat) (string, error) {
	switch format {
	case OutputJSON:
		return formatJSON(data)
	case OutputYAML:
		return formatYAML(data)
	default:
		return formatTable(data)
	}
}

func formatJSON(data any) (string, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON: %w", err)
	}
	return string(b) + "\n", nil
}

func formatYAML(data any) (string, error) {
	b, err := yaml.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal YAML: %w", err)
	}
	return string(b), nil
}

func formatTable(data any) (string, error) {
	if data == nil {
		return "", nil
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return formatSliceTable(v)
	case reflect.Map:
		return formatMapTable(v)
	case reflect.Struct:
		return formatStructTable(v)
	default:
		return fmt.Sprintf("%v\n", data), nil
	}
}

func formatSliceTable(v reflect.Value) (string, error) {
	if v.Len() == 0 {
		return "No items\n", nil
	}

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	headers := columns(v.Index(0))
	fmt.Fprintln(w, strings.ToUpper(strings.Join(headers, "\t")))
	for i := 0; i < v.Len(); i++ {
		fmt.Fprintln(w, strings.Join(rowValues(v.Index(i), headers), "\t"))
	}

	w.Flush()
	return sb.String(), nil
}

// formatMapTable prints one key per line, sorted so output is stable.
func formatMapTable(v reflect.Value) (string, error) {
	keys := make([]string, 0, v.Len())
	values := make(map[string]string, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := fmt.Sprintf("%v", iter.Key())
		keys = append(keys, k)
		values[k] = formatValue(iter.Value().Interface())
	}
	sort.Strings(keys)

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k, values[k])
	}
	w.Flush()
	return sb.String(), nil
}

func formatStructTable(v reflect.Value) (string, error) {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)

	headers := columns(v)
	for i, val := range rowValues(v, headers) {
		fmt.Fprintf(w, "%s\t%s\n", headers[i], val)
	}

	w.Flush()
	return sb.String(), nil
}

// fieldName is the json name of an exported field, or "" to skip it.
func fieldName(f reflect.StructField) string {
	if f.PkgPath != "" {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

func columns(v reflect.Value) []string {
	v = indirect(v)
	if v.Kind() != reflect.Struct {
		return []string{"value"}
	}
	t := v.Type()
	var cols []string
	for i := 0; i < t.NumField(); i++ {
		if name := fieldName(t.Field(i)); name != "" {
			cols = append(cols, name)
		}
	}
	return cols
}

func rowValues(v reflect.Value, cols []string) []string {
	v = indirect(v)
	values := make([]string, len(cols))
	if v.Kind() != reflect.Struct {
		if v.IsValid() && len(values) > 0 {
			values[0] = formatValue(v.Interface())
		}
		return values
	}

	t := v.Type()
	index := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name := fieldName(t.Field(i)); name != "" {
			index[name] = i
		}
	}
	for i, col := range cols {
		if idx, ok := index[col]; ok {
			values[i] = formatValue(v.Field(idx).Interface())
		}
	}
	return values
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		v = rv.Elem().Interface()
	}

	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case float32, float64:
		return fmt.Sprintf("%.2f", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case []string:
		return strings.Join(val, ",")
	default:
		if rv := reflect.ValueOf(val); rv.Kind() == reflect.String {
			return rv.String()
		}
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func PrintOutput(data any, opts *OutputOptions) error {
	if opts.Quiet {
		return nil
	}

	output, err := FormatOutput(data, opts.Format)
	if err != nil {
		return err
	}

	fmt.Fprint(opts.Writer, output)
	return nil
}

// errorBody is the structured form of a failed command. Rejections
// received from the service keep their state and valid next commands.
type errorBody struct {
	Code              agent.ErrorCode     `json:"code" yaml:"code"`
	Message           string              `json:"message" yaml:"message"`
	CurrentState      agent.Status        `json:"current_state,omitempty" yaml:"current_state,omitempty"`
	ValidNextCommands []agent.CommandName `json:"valid_next_commands,omitempty" yaml:"valid_next_commands,omitempty"`
}

func newErrorBody(err error) errorBody {
	body := errorBody{Message: err.Error()}
	var re *service.ReplyError
	if errors.As(err, &re) {
		body.Code = re.Reply.Code
		body.Message = re.Reply.Message
		body.CurrentState = re.Reply.CurrentState
		body.ValidNextCommands = re.Reply.ValidNextCommands
		return body
	}
	body.Code = agent.Code(err)
	return body
}

func PrintError(err error, opts *OutputOptions) {
	w := opts.ErrWriter
	if w == nil {
		w = os.Stderr
	}

	data := map[string]any{
		"success": false,
		"error":   newErrorBody(err),
	}
	switch opts.Format {
	case OutputJSON:
		b, _ := json.MarshalIndent(data, "", "  ")
		fmt.Fprintln(w, string(b))
	case OutputYAML:
		b, _ := yaml.Marshal(data)
		fmt.Fprint(w, string(b))
	default:
		fmt.Fprintf(w, "Error: %v\n", err)
	}
}

func PrintSuccess(message string, opts *OutputOptions) {
	if opts.Quiet {
		return
	}

	data := map[string]any{
		"success": true,
		"message": message,
	}
	switch opts.Format {
	case OutputJSON:
		b, _ := json.MarshalIndent(data, "", "  ")
		fmt.Fprintln(opts.Writer, string(b))
	case OutputYAML:
		b, _ := yaml.Marshal(data)
		fmt.Fprint(opts.Writer, string(b))
	default:
		fmt.Fprintln(opts.Writer, message)
	}
}
