package record

// Change 是单个字段上的一次修改
type Change struct {
	Field   string `cbor:"f"`
	Value   any    `cbor:"v"`
	Deleted bool   `cbor:"x,omitempty"`
	// Local 标记该修改来自本地会话，Patch 时本地修改优先
	Local bool `cbor:"l,omitempty"`
}

// Changes 是一组有序的字段修改
type Changes []Change

// Diff 计算从 a 到 b 的字段级修改
// local 为 true 时生成的修改在冲突时优先于非本地修改
func Diff(a, b *Record, local bool) Changes {
	if a == nil {
		a = Null()
	}
	if b == nil {
		b = Null()
	}

	var changes Changes
	// 1. 新增或修改的字段
	for _, f := range b.Fields() {
		nv := b.Data[f]
		ov, ok := a.Data[f]
		if ok && valueEqual(ov, nv) {
			continue
		}
		changes = append(changes, Change{Field: f, Value: cloneValue(nv), Local: local})
	}
	// 2. 被删除的字段
	for _, f := range a.Fields() {
		if _, ok := b.Data[f]; !ok {
			changes = append(changes, Change{Field: f, Deleted: true, Local: local})
		}
	}
	return changes
}

// Patch 按顺序把修改应用到记录上
// 同一字段的多个修改：后者覆盖前者，但非本地修改不会覆盖已经应用的本地修改
func (r *Record) Patch(changes Changes) {
	if r.Data == nil {
		r.Data = make(map[string]any)
	}
	localSet := make(map[string]bool)
	for _, c := range changes {
		if !c.Local && localSet[c.Field] {
			continue
		}
		if c.Deleted {
			delete(r.Data, c.Field)
		} else {
			r.Data[c.Field] = cloneValue(c.Value)
		}
		if c.Local {
			localSet[c.Field] = true
		}
	}
}

// IsEmpty 判断是否没有任何修改
func (c Changes) IsEmpty() bool { return len(c) == 0 }
