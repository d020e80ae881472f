package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reconomed-intake/internal/imaging"
	"reconomed-intake/internal/model"
	"reconomed-intake/internal/pipeline"
	"reconomed-intake/internal/service"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func deref[T ~string](p *T) string {
	if p == nil {
		return "-"
	}
	return string(*p)
}

func newUploadCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Compress and upload files into the session (files beyond the quota are rejected)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(workers)
			if err != nil {
				return err
			}
			ctx := a.context(cmd)
			if err := a.reload(ctx); err != nil {
				return err
			}

			files := make([]imaging.File, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("读取 %s 失败: %w", path, err)
				}
				files = append(files, imaging.File{Name: filepath.Base(path), Data: data})
			}

			res := a.uploads.StartBatch(ctx, files, func(p pipeline.Progress) {
				line := fmt.Sprintf("[%d/%d] %s: %s", p.Index, p.Total, p.Filename, p.Stage)
				if p.Error != "" {
					line += " (" + p.Error + ")"
				}
				fmt.Fprintln(os.Stderr, line)
			})
			if jsonOutput {
				return printJSON(res)
			}
			for _, f := range res.Failures {
				fmt.Fprintf(os.Stderr, "error: %s: %s\n", f.Filename, f.Message)
			}
			if len(res.Rejected) > 0 {
				fmt.Fprintf(os.Stderr, "warning: session quota reached, not uploaded: %s\n", strings.Join(res.Rejected, ", "))
			}
			tw := newTable()
			fmt.Fprintln(tw, "ID\tFILE\tORIGINAL\tCOMPRESSED")
			for _, r := range res.Accepted {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", r.ID, r.Filename, r.OriginalSize, r.CompressedSize)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			q := a.uploads.Quota()
			fmt.Printf("%d uploaded, %d failed, %d rejected; session %d/%d\n",
				len(res.Accepted), len(res.Failures), len(res.Rejected), q.Used, q.Quota)
			if res.Cancelled {
				return errors.New("上传已取消")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Files processed concurrently (default from config)")
	return cmd
}

func newPendingCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List unprocessed uploads in the session with their expiry status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(0)
			if err != nil {
				return err
			}
			if all {
				return printHistory(a.context(cmd), a)
			}
			if err := a.reload(a.context(cmd)); err != nil {
				return err
			}
			views := a.uploads.List(time.Now())
			if jsonOutput {
				return printJSON(views)
			}
			tw := newTable()
			fmt.Fprintln(tw, "ID\tFILE\tSTATE\tPATIENT\tTYPE\tEXPIRY")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s (%dd)\n", v.ID, v.Filename, v.State,
					deref(v.PatientID), deref(v.DocumentType), v.Expiry.Level, v.Expiry.DaysLeft)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			q := a.uploads.Quota()
			fmt.Printf("%d/%d used, %d remaining\n", q.Used, q.Quota, q.Remaining)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List every upload on the server, including processed ones")
	return cmd
}

// printHistory 打印服务端的全部上传，不经过会话。
func printHistory(ctx context.Context, a *app) error {
	records, err := a.uploads.History(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(records)
	}
	tw := newTable()
	fmt.Fprintln(tw, "ID\tFILE\tSTATE\tPATIENT\tTYPE\tUPLOADED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Filename, r.State,
			deref(r.PatientID), deref(r.DocumentType), r.UploadedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func newAssignCmd() *cobra.Command {
	var patientID, docType string
	cmd := &cobra.Command{
		Use:   "assign <upload-id>...",
		Short: "Assign a patient and/or document type to uploads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var assignment model.Assignment
			if patientID != "" {
				assignment.PatientID = &patientID
			}
			if docType != "" {
				dt, err := model.ParseDocumentType(docType)
				if err != nil {
					return err
				}
				assignment.DocumentType = &dt
			}

			a, err := newApp(0)
			if err != nil {
				return err
			}
			ctx := a.context(cmd)
			if err := a.reload(ctx); err != nil {
				return err
			}
			res, err := a.reviews.AssignBatch(ctx, args, assignment)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			for _, f := range res.Failed {
				fmt.Fprintf(os.Stderr, "error: %s: %s\n", f.ID, f.Message)
			}
			fmt.Printf("%d updated, %d failed\n", len(res.Updated), len(res.Failed))
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d 个文件分配失败", len(res.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&patientID, "patient", "p", "", "Patient id")
	cmd.Flags().StringVarP(&docType, "type", "t", "", "Document type ("+documentTypeList()+")")
	return cmd
}

func documentTypeList() string {
	names := make([]string, len(model.DocumentTypes))
	for i, t := range model.DocumentTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <upload-id>...",
		Short: "Start server-side OCR for assigned uploads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(0)
			if err != nil {
				return err
			}
			ctx := a.context(cmd)
			if err := a.reload(ctx); err != nil {
				return err
			}
			jobs := a.reviews.StartProcessing(ctx, args)
			if jsonOutput {
				return printJSON(jobs)
			}
			failed := 0
			tw := newTable()
			fmt.Fprintln(tw, "ID\tSTARTED\tTYPE\tCONFIDENCE\tERROR")
			for _, j := range jobs {
				if !j.Started {
					failed++
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%.2f\t%s\n", j.ID, j.Started, j.DocumentType, j.Confidence, j.Error)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d 个文件处理失败", failed)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Review and submit OCR-extracted fields",
	}
	cmd.AddCommand(newValidateShowCmd(), newValidateSubmitCmd())
	return cmd
}

func newValidateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show the validation form of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(0)
			if err != nil {
				return err
			}
			form, err := a.reviews.FetchValidation(a.context(cmd), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(form)
			}
			fmt.Printf("%s (%s), OCR confidence %.2f\n", form.Document.Filename, form.Document.DocumentType, form.OCRConfidence)
			tw := newTable()
			fmt.Fprintln(tw, "FIELD\tLABEL\tTYPE\tREQUIRED\tVALUE")
			for _, f := range form.ValidationFields {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%v\n", f.Field, f.Label, f.Type, f.Required, f.Value)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, s := range form.Suggestions {
				fmt.Println("suggestion:", s)
			}
			return nil
		},
	}
}

// parseAssignments 把 field=value 解析为原始字符串，值保持原样。
func parseAssignments(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		field, value, ok := strings.Cut(p, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("无效的字段赋值 %q，应为 field=value", p)
		}
		out[field] = value
	}
	return out, nil
}

// textualTypes 中的字段按字符串提交，即使值看起来像数字或布尔值。
var textualTypes = map[string]bool{"": true, "text": true, "textarea": true, "date": true}

// typedFields 按表单中声明的字段类型转换 --set 的值。
// 文本类字段和表单中没有的字段保持字符串，其余类型（object 等）按 JSON 解析。
func typedFields(form *model.ValidationForm, raw map[string]string) (map[string]any, error) {
	types := make(map[string]string, len(form.ValidationFields))
	for _, f := range form.ValidationFields {
		types[f.Field] = f.Type
	}
	out := make(map[string]any, len(raw))
	for field, value := range raw {
		typ, known := types[field]
		if !known || textualTypes[typ] {
			out[field] = value
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			if typ == "object" {
				return nil, fmt.Errorf("字段 %s 的类型为 object，值必须是 JSON: %w", field, err)
			}
			v = value
		}
		out[field] = v
	}
	return out, nil
}

func newValidateSubmitCmd() *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "submit <document-id>",
		Short: "Submit corrected fields (unchanged fields keep their extracted values)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			a, err := newApp(0)
			if err != nil {
				return err
			}
			ctx := a.context(cmd)
			form, err := a.reviews.FetchValidation(ctx, args[0])
			if err != nil {
				return err
			}
			fields, err := typedFields(form, raw)
			if err != nil {
				return err
			}
			res, err := a.reviews.SubmitValidation(ctx, args[0], fields)
			var verr *service.ValidationError
			if errors.As(err, &verr) {
				return fmt.Errorf("%s: %s", verr.Message, strings.Join(verr.Fields, ", "))
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(res)
			}
			if res.RefreshError != "" {
				fmt.Fprintf(os.Stderr, "warning: saved, but refreshing lists failed: %s\n", res.RefreshError)
			}
			fmt.Printf("document %s validated; %d awaiting validation, %d completed\n",
				res.DocumentID, len(res.ValidationQueue), len(res.Completed))
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&sets, "set", "s", nil, "Corrected field as field=value (repeatable)")
	return cmd
}

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "queue <validation-queue|processing-queue|completed|unprocessed>",
		Short:     "List documents in a backend queue",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"validation-queue", "processing-queue", "completed", "unprocessed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(0)
			if err != nil {
				return err
			}
			docs, err := a.reviews.Queue(a.context(cmd), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(docs)
			}
			tw := newTable()
			fmt.Fprintln(tw, "ID\tPATIENT\tFILE\tTYPE\tSTATUS")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.PatientID, d.Filename, d.DocumentType, d.Status)
			}
			return tw.Flush()
		},
	}
}

func newPatientsCmd() *cobra.Command {
	var q model.PatientQuery
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Search patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(0)
			if err != nil {
				return err
			}
			patients, err := a.patients.List(a.context(cmd), q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(patients)
			}
			tw := newTable()
			fmt.Fprintln(tw, "ID\tNAME\tBIRTH DATE\tCNP")
			for _, p := range patients {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.DisplayName(), p.BirthDate, p.CNP)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&q.Search, "search", "q", "", "Name, CNP or phone fragment")
	cmd.Flags().IntVar(&q.Skip, "skip", 0, "Rows to skip")
	cmd.Flags().IntVar(&q.Limit, "limit", 100, "Maximum rows (1..1000)")
	return cmd
}

func newCompressCmd() *cobra.Command {
	var maxWidth, maxHeight int
	var quality float64
	cmd := &cobra.Command{
		Use:   "compress <input> <output>",
		Short: "Compress an image locally with the upload settings, without uploading",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			opts := imaging.UploadOptions()
			if maxWidth > 0 {
				opts.MaxWidth = maxWidth
			}
			if maxHeight > 0 {
				opts.MaxHeight = maxHeight
			}
			if quality > 0 {
				opts.Quality = quality
			}
			res := imaging.NewCompressor(opts).Compress(imaging.File{Name: filepath.Base(args[0]), Data: data})
			if res.Fallback != nil {
				fmt.Fprintf(os.Stderr, "warning: kept original bytes: %v\n", res.Fallback)
			}
			if err := os.WriteFile(args[1], res.File.Data, 0o644); err != nil {
				return err
			}
			if res.Skipped {
				fmt.Printf("%s is not an image, copied unchanged\n", args[0])
				return nil
			}
			fmt.Printf("%dx%d -> %dx%d, %d -> %d bytes\n", res.OriginalWidth, res.OriginalHeight,
				res.Width, res.Height, len(data), len(res.File.Data))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxWidth, "max-width", 0, "Maximum width (default 1600)")
	cmd.Flags().IntVar(&maxHeight, "max-height", 0, "Maximum height (default 1600)")
	cmd.Flags().Float64Var(&quality, "quality", 0, "JPEG quality in (0, 1] (default 0.7)")
	return cmd
}
