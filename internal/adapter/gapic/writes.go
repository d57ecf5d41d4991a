package gapic

import (
	"context"

	"github.com/mementodb/memento/domain"
	"github.com/mementodb/memento/pkg/wire"
)

// buildSetWrite encodes a set into a single write. Without merge options the
// document is replaced wholesale; merge options narrow the write to a field
// mask and filter the extracted transforms accordingly.
func (d *Database) buildSetWrite(path string, data any, opts domain.SetOptions) (*wire.Write, error) {
	enc, err := d.serializer.EncodeDocument(data)
	if err != nil {
		return nil, err
	}
	w := &wire.Write{
		Update:     &wire.Document{Name: path, Fields: enc.Fields},
		Transforms: enc.Transforms,
	}
	switch {
	case len(opts.MergeFields) > 0:
		mask := make([]string, 0, len(opts.MergeFields))
		for _, fp := range opts.MergeFields {
			if _, err := d.fieldNavigator.Split(fp); err != nil {
				return nil, err
			}
			mask = append(mask, fp)
		}
		// Only transforms under a named path survive; the rest drop
		// silently, matching the merge-fields contract.
		w.Transforms = filterByMask(enc.Transforms, mask, d)
		w.UpdateMask = &wire.DocumentMask{FieldPaths: mask}
	case opts.Merge:
		mask := make([]string, 0, len(enc.Fields))
		for _, leaf := range d.fieldNavigator.Leaves(enc.Fields) {
			mask = append(mask, d.fieldNavigator.Join(leaf))
		}
		mask = append(mask, enc.DeletePaths...)
		w.UpdateMask = &wire.DocumentMask{FieldPaths: mask}
	default:
		if len(enc.DeletePaths) > 0 {
			return nil, domain.Errorf(domain.InvalidArgument, "field delete sentinel requires a merge set")
		}
	}
	return w, nil
}

// filterByMask keeps the transforms whose field path equals or sits under a
// masked path.
func filterByMask(transforms []*wire.FieldTransform, mask []string, d *Database) []*wire.FieldTransform {
	var out []*wire.FieldTransform
	for _, ft := range transforms {
		for _, m := range mask {
			if ft.FieldPath == m || hasPathPrefix(ft.FieldPath, m, d) {
				out = append(out, ft)
				break
			}
		}
	}
	return out
}

func hasPathPrefix(fieldPath, prefix string, d *Database) bool {
	fp, err1 := d.fieldNavigator.Split(fieldPath)
	pp, err2 := d.fieldNavigator.Split(prefix)
	if err1 != nil || err2 != nil || len(pp) > len(fp) {
		return false
	}
	for i := range pp {
		if fp[i] != pp[i] {
			return false
		}
	}
	return true
}

// buildCreateWrite encodes a create: a full set guarded by a
// must-not-exist precondition.
func (d *Database) buildCreateWrite(path string, data any) (*wire.Write, error) {
	w, err := d.buildSetWrite(path, data, domain.SetOptions{})
	if err != nil {
		return nil, err
	}
	w.CurrentDocument = wire.ExistsPrecondition(false)
	return w, nil
}

// buildUpdateWrite encodes a dot-path update. Every key of data is a field
// path; the write carries the union of the paths as its mask and requires
// the document to exist.
func (d *Database) buildUpdateWrite(path string, data map[string]any) (*wire.Write, error) {
	if len(data) == 0 {
		return nil, domain.Errorf(domain.InvalidArgument, "update requires at least one field path")
	}
	enc := &domain.EncodedDocument{Fields: map[string]*wire.Value{}}
	var mask []string
	for fp, v := range data {
		parts, err := d.fieldNavigator.Split(fp)
		if err != nil {
			return nil, err
		}
		dotted := d.fieldNavigator.Join(parts)
		switch t := v.(type) {
		case domain.IncrementValue, domain.ArrayUnionValue, domain.ArrayRemoveValue:
			sub, err := d.serializer.EncodeDocument(map[string]any{"f": t})
			if err != nil {
				return nil, err
			}
			ft := sub.Transforms[0]
			ft.FieldPath = dotted
			enc.Transforms = append(enc.Transforms, ft)
			continue
		}
		if v == domain.ServerTimestamp {
			enc.Transforms = append(enc.Transforms, &wire.FieldTransform{
				FieldPath: dotted,
				Type:      wire.TransformServerTimestamp,
			})
			continue
		}
		if v == domain.DeleteField {
			mask = append(mask, dotted)
			continue
		}
		if m, ok := v.(map[string]any); ok {
			sub, err := d.serializer.EncodeDocument(m)
			if err != nil {
				return nil, err
			}
			if len(sub.DeletePaths) > 0 {
				return nil, domain.Errorf(domain.InvalidArgument,
					"delete sentinel inside the replaced map value of %s", dotted)
			}
			d.fieldNavigator.Set(enc.Fields, parts, wire.Map(sub.Fields))
			for _, ft := range sub.Transforms {
				ft.FieldPath = dotted + "." + ft.FieldPath
				enc.Transforms = append(enc.Transforms, ft)
			}
			mask = append(mask, dotted)
			continue
		}
		val, err := d.serializer.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		d.fieldNavigator.Set(enc.Fields, parts, val)
		mask = append(mask, dotted)
	}
	return &wire.Write{
		Update:          &wire.Document{Name: path, Fields: enc.Fields},
		UpdateMask:      &wire.DocumentMask{FieldPaths: mask},
		Transforms:      enc.Transforms,
		CurrentDocument: wire.ExistsPrecondition(true),
	}, nil
}

// txnHandle implements domain.Txn: reads register against the transaction,
// writes buffer until the attempt commits.
type txnHandle struct {
	db      *Database
	tx      domain.Transaction
	writes  []*wire.Write
	written map[string]bool
}

// Get implements domain.Txn. Reading a document the transaction already
// wrote is rejected, keeping the buffered-write model honest.
func (h *txnHandle) Get(ctx context.Context, path string) (*domain.MetaDocument, error) {
	p, err := h.db.pathResolver.ParseDocument(path)
	if err != nil {
		return nil, err
	}
	if h.written[p.String()] {
		return nil, domain.Errorf(domain.InvalidArgument, "read of %s after writing it in the same transaction", path)
	}
	at := h.tx.ReadTime()
	if !h.tx.ReadOnly() {
		at = timeZero
	}
	doc, err := h.db.store.GetDoc(p.String(), at)
	if err != nil {
		return nil, err
	}
	h.tx.RegisterRead(doc)
	return doc, nil
}

// Create implements domain.Txn.
func (h *txnHandle) Create(path string, data any) error {
	p, err := h.db.pathResolver.ParseDocument(path)
	if err != nil {
		return err
	}
	w, err := h.db.buildCreateWrite(p.String(), data)
	if err != nil {
		return err
	}
	h.buffer(p.String(), w)
	return nil
}

// Set implements domain.Txn.
func (h *txnHandle) Set(path string, data any, opts ...domain.SetOption) error {
	p, err := h.db.pathResolver.ParseDocument(path)
	if err != nil {
		return err
	}
	var o domain.SetOptions
	for _, opt := range opts {
		opt(&o)
	}
	w, err := h.db.buildSetWrite(p.String(), data, o)
	if err != nil {
		return err
	}
	h.buffer(p.String(), w)
	return nil
}

// Update implements domain.Txn.
func (h *txnHandle) Update(path string, data map[string]any) error {
	p, err := h.db.pathResolver.ParseDocument(path)
	if err != nil {
		return err
	}
	w, err := h.db.buildUpdateWrite(p.String(), data)
	if err != nil {
		return err
	}
	h.buffer(p.String(), w)
	return nil
}

// Delete implements domain.Txn.
func (h *txnHandle) Delete(path string) error {
	p, err := h.db.pathResolver.ParseDocument(path)
	if err != nil {
		return err
	}
	h.buffer(p.String(), &wire.Write{Delete: p.String()})
	return nil
}

func (h *txnHandle) buffer(path string, w *wire.Write) {
	if h.written == nil {
		h.written = map[string]bool{}
	}
	h.written[path] = true
	h.writes = append(h.writes, w)
}
