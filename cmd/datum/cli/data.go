package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/faucetdb/datum/internal/datum"
	"github.com/faucetdb/datum/internal/query"
)

// optionFlags are the query option flags shared by the read commands.
type optionFlags struct {
	where   []string
	orderBy []string
	limit   int
	offset  int
	include []string
	exclude []string
	noMeta  bool
}

func (f *optionFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringArrayVar(&f.where, "where", nil, `filter as JSON, {"name":"kind","op":"=","value":"app"} or {"kind":"app"} (repeatable)`)
	fs.StringSliceVar(&f.orderBy, "order-by", nil, "order by columns, prefix with - for descending")
	fs.IntVar(&f.limit, "limit", 0, "maximum number of rows")
	fs.IntVar(&f.offset, "offset", 0, "number of rows to skip")
	fs.StringSliceVar(&f.include, "include", nil, "only return these columns")
	fs.StringSliceVar(&f.exclude, "exclude", nil, "do not return these columns")
	fs.BoolVar(&f.noMeta, "no-meta", false, "do not request column metadata")
}

func (f *optionFlags) options(cmd *cobra.Command) (*query.Options, error) {
	m := map[string]any{}
	if len(f.where) > 0 {
		var where []any
		for _, w := range f.where {
			var obj map[string]any
			if err := json.Unmarshal([]byte(w), &obj); err != nil || obj == nil {
				return nil, fmt.Errorf("--where %s: must be a JSON object", w)
			}
			where = append(where, obj)
		}
		m["where"] = where
	}
	if len(f.orderBy) > 0 {
		m["order_by"] = f.orderBy
	}
	if cmd.Flags().Changed("limit") {
		m["limit"] = f.limit
	}
	if cmd.Flags().Changed("offset") {
		m["offset"] = f.offset
	}
	if len(f.include) > 0 {
		m["include"] = f.include
	}
	if len(f.exclude) > 0 {
		m["exclude"] = f.exclude
	}
	if f.noMeta {
		m["meta_data"] = false
	}
	return query.FromMap(m), nil
}

// scalar reads a command line value as JSON when it parses, else as a string.
func scalar(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func newRowsCmd(a *app) *cobra.Command {
	var of optionFlags
	cmd := &cobra.Command{
		Use:   "rows <schema.relation>",
		Short: "List the rows of a relation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := of.options(cmd)
			if err != nil {
				return err
			}
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			rel, err := relation(db, args[0])
			if err != nil {
				return err
			}
			rs, err := rel.Rows(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rs)
		},
	}
	of.register(cmd)
	return cmd
}

func newRowCmd(a *app) *cobra.Command {
	var of optionFlags
	cmd := &cobra.Command{
		Use:   "row <schema.relation> [column value]",
		Short: "Fetch exactly one row",
		Long:  "Fetch the one row matching column=value and the --where filters. Zero or several matches are an error.",
		Args: cobra.MatchAll(cobra.RangeArgs(1, 3), func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return fmt.Errorf("column %q needs a value", args[1])
			}
			return nil
		}),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := of.options(cmd)
			if err != nil {
				return err
			}
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			rel, err := relation(db, args[0])
			if err != nil {
				return err
			}
			var row *datum.Row
			if len(args) == 3 {
				row, err = rel.RowBy(cmd.Context(), args[1], scalar(args[2]), opts)
			} else {
				row, err = rel.Row(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), row)
		},
	}
	of.register(cmd)
	return cmd
}

func newInsertCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "insert <schema.table> <json>",
		Short: "Insert a row (object) or rows (list); - reads the JSON from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data any
			if err := readJSON(args[1], cmd.InOrStdin(), &data); err != nil {
				return err
			}
			switch data.(type) {
			case map[string]any, []any:
			default:
				return fmt.Errorf("insert needs a JSON object or list")
			}
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			schema, name, err := splitTarget(args[0])
			if err != nil {
				return err
			}
			res, err := db.Schema(schema).Table(name).Insert(cmd.Context(), data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// pkFlag is the --pk flag of the commands that address a row by key.
func pkFlag(cmd *cobra.Command, pk *string) {
	cmd.Flags().StringVar(pk, "pk", "", "primary key column (default endpoint.primary_key)")
}

// rowByKey fetches the row of target whose primary key is value.
func (a *app) rowByKey(cmd *cobra.Command, db *datum.Database, target, pk, value string) (*datum.Row, error) {
	rel, err := relation(db, target)
	if err != nil {
		return nil, err
	}
	if pk == "" {
		pk = a.cfg.Endpoint.PrimaryKey
	}
	return rel.RowBy(cmd.Context(), pk, value, nil)
}

func newUpdateCmd(a *app) *cobra.Command {
	var pk string
	cmd := &cobra.Command{
		Use:   "update <schema.relation> <pk> <json>",
		Short: "Set columns of the row with the given key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var changes map[string]any
			if err := readJSON(args[2], cmd.InOrStdin(), &changes); err != nil {
				return err
			}
			if len(changes) == 0 {
				return fmt.Errorf("update needs a non-empty JSON object")
			}
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			row, err := a.rowByKey(cmd, db, args[0], pk, args[1])
			if err != nil {
				return err
			}
			for k, v := range changes {
				row.Set(k, v)
			}
			if err := row.Update(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), row)
		},
	}
	pkFlag(cmd, &pk)
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var pk string
	cmd := &cobra.Command{
		Use:   "delete <schema.relation> <pk>",
		Short: "Delete the row with the given key and print it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			row, err := a.rowByKey(cmd, db, args[0], pk, args[1])
			if err != nil {
				return err
			}
			if err := row.Delete(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), row)
		},
	}
	pkFlag(cmd, &pk)
	return cmd
}

func newFieldCmd(a *app) *cobra.Command {
	var pk string
	cmd := &cobra.Command{
		Use:   "field <schema.relation> <pk> <column>",
		Short: "Fetch one column of the row with the given key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			row, err := a.rowByKey(cmd, db, args[0], pk, args[1])
			if err != nil {
				return err
			}
			v, err := row.Field(args[2]).Fetch(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	pkFlag(cmd, &pk)
	return cmd
}

func newCallCmd(a *app) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "call <schema.function> [json-args]",
		Short: "Call a database function",
		Long: `Call a database function. Arguments are a JSON list of positional values,
a JSON object of named values, or a single JSON value.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fnArgs any
			if len(args) == 2 {
				if err := readJSON(args[1], cmd.InOrStdin(), &fnArgs); err != nil {
					return err
				}
			}
			db, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			schema, name, err := splitTarget(args[0])
			if err != nil {
				return err
			}
			res, err := db.Schema(schema).Function(name, params...).Call(cmd.Context(), fnArgs, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringSliceVar(&params, "params", nil, "parameter types of the function, e.g. integer,text")
	return cmd
}
