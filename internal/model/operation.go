package model

// OperationClass はレート制限の単位となる操作クラス。
// プラットフォームは操作クラスごとに独立した上限を持つ。
type OperationClass string

const (
	ClassPublish OperationClass = "publish"
	ClassComment OperationClass = "comment"
	ClassLike    OperationClass = "like"
	ClassFollow  OperationClass = "follow"
	ClassSearch  OperationClass = "search"
	ClassFetch   OperationClass = "fetch"
)

// OperationClasses は既知の操作クラス一覧。
var OperationClasses = []OperationClass{
	ClassPublish, ClassComment, ClassLike, ClassFollow, ClassSearch, ClassFetch,
}

// Valid は既知の操作クラスかどうかを返す。
func (c OperationClass) Valid() bool {
	for _, k := range OperationClasses {
		if k == c {
			return true
		}
	}
	return false
}

// ClassFor は作業種別に対応する操作クラスを返す。
func ClassFor(kind WorkKind) OperationClass {
	if kind == WorkKindResponse {
		return ClassComment
	}
	return ClassPublish
}
