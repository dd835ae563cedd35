package chat

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"im-chat/internal/model"
	"im-chat/pkg/apperrors"
	"im-chat/pkg/metrics"

	"github.com/gabriel-vasile/mimetype"
)

// 嗅探MIME时读取的头部字节数
const sniffLen = 3072

// AttachmentKind 附件分类
type AttachmentKind string

const (
	KindImage  AttachmentKind = "image"
	KindPDF    AttachmentKind = "pdf"
	KindOffice AttachmentKind = "office"
	KindOther  AttachmentKind = "other"
)

// PreviewMode 预览方式
type PreviewMode string

const (
	PreviewInline   PreviewMode = "inline"   // 直接使用对象地址渲染
	PreviewBlob     PreviewMode = "blob"     // 同源拉取后的本地临时文件
	PreviewProxy    PreviewMode = "proxy"    // 第三方文档渲染代理
	PreviewDownload PreviewMode = "download" // 仅可下载
)

// Preview 预览解析结果
type Preview struct {
	Kind   AttachmentKind `json:"kind"`
	Mode   PreviewMode    `json:"mode"`
	URL    string         `json:"url,omitempty"`
	BlobID string         `json:"blob_id,omitempty"`
	Path   string         `json:"-"`
}

// Upload 待上传的文件
type Upload struct {
	Name   string
	Mime   string // 为空时从内容嗅探
	Size   int64
	Reader io.Reader
}

// AttachmentPipeline 附件上传、预览与下载
type AttachmentPipeline struct {
	self        uint
	objects     ObjectStore
	maxSize     int64
	docProxy    string
	officeProxy string
	blobs       *BlobRegistry
	now         func() time.Time
}

// NewAttachmentPipeline 创建附件管道
func NewAttachmentPipeline(self uint, objects ObjectStore, opts Options) *AttachmentPipeline {
	opts.normalize()
	return &AttachmentPipeline{
		self:        self,
		objects:     objects,
		maxSize:     opts.MaxAttachmentSize,
		docProxy:    opts.DocumentProxyURL,
		officeProxy: opts.OfficeProxyURL,
		blobs:       NewBlobRegistry(opts.BlobDir),
		now:         opts.Now,
	}
}

// Blobs 预览临时文件登记表
func (p *AttachmentPipeline) Blobs() *BlobRegistry { return p.blobs }

// Upload 校验并上传文件，返回附件元数据
// 超过上限的文件在任何网络调用前被拒绝
func (p *AttachmentPipeline) Upload(ctx context.Context, f Upload) (*model.Attachment, error) {
	if f.Size > p.maxSize {
		metrics.SendRejected.WithLabelValues("attachment_too_large").Inc()
		return nil, apperrors.Validation("attachment exceeds %d bytes", p.maxSize)
	}
	if f.Size < 0 || f.Reader == nil {
		return nil, apperrors.Validation("attachment size unknown")
	}
	if p.objects == nil {
		return nil, apperrors.Transient("upload attachment", fmt.Errorf("object store not configured"))
	}

	name := filepath.Base(strings.TrimSpace(f.Name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	mime := strings.TrimSpace(f.Mime)
	body := f.Reader
	if mime == "" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(f.Reader, head)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, apperrors.Transient("read attachment", err)
		}
		head = head[:n]
		mime = mimetype.Detect(head).String()
		body = io.MultiReader(bytes.NewReader(head), f.Reader)
	}
	if i := strings.Index(mime, ";"); i >= 0 && !strings.HasPrefix(mime, "text/") {
		mime = strings.TrimSpace(mime[:i])
	}

	key := fmt.Sprintf("%d/%d%s", p.self, p.now().UnixNano(), extensionFor(name, mime))
	u, err := p.objects.Put(ctx, p.self, key, body, f.Size, mime)
	if err != nil {
		return nil, apperrors.Transient("upload attachment", err)
	}
	if name == "" {
		name = filepath.Base(key)
	}
	return &model.Attachment{URL: u, Name: name, Mime: mime, Key: key, Size: f.Size}, nil
}

// extensionFor 优先取文件名扩展名，否则根据MIME推断
func extensionFor(name, mime string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" && len(ext) <= 16 && !strings.ContainsAny(ext, "/\\") {
		return ext
	}
	if m := mimetype.Lookup(mime); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return ".bin"
}

var officeMimes = map[string]bool{
	"application/msword":            true,
	"application/vnd.ms-excel":      true,
	"application/vnd.ms-powerpoint": true,
	"application/rtf":               true,
}

var extKinds = map[string]AttachmentKind{
	".png": KindImage, ".jpg": KindImage, ".jpeg": KindImage, ".gif": KindImage,
	".webp": KindImage, ".bmp": KindImage, ".svg": KindImage, ".avif": KindImage,
	".pdf": KindPDF,
	".doc": KindOffice, ".docx": KindOffice, ".xls": KindOffice, ".xlsx": KindOffice,
	".ppt": KindOffice, ".pptx": KindOffice, ".odt": KindOffice, ".ods": KindOffice,
	".odp": KindOffice, ".rtf": KindOffice,
}

// Classify 根据MIME和扩展名分类
func Classify(a *model.Attachment) AttachmentKind {
	if a == nil {
		return KindOther
	}
	mime := strings.ToLower(a.Mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case mime == "application/pdf":
		return KindPDF
	case officeMimes[mime],
		strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument."),
		strings.HasPrefix(mime, "application/vnd.oasis.opendocument."):
		return KindOffice
	}
	if kind, ok := extKinds[strings.ToLower(filepath.Ext(a.Name))]; ok {
		return kind
	}
	return KindOther
}

// Resolve 解析附件的预览方式
// 图片直接内联；PDF 先同源拉取为本地临时文件，失败时走文档代理，再失败仅可下载；
// Office 文档总是走代理；其他类型仅可下载
func (p *AttachmentPipeline) Resolve(ctx context.Context, a *model.Attachment) (Preview, error) {
	if a == nil {
		return Preview{}, apperrors.NotFound("message has no attachment")
	}
	kind := Classify(a)
	switch kind {
	case KindImage:
		return Preview{Kind: kind, Mode: PreviewInline, URL: a.URL}, nil
	case KindPDF:
		if id, path, err := p.fetchBlob(ctx, a); err == nil {
			return Preview{Kind: kind, Mode: PreviewBlob, BlobID: id, Path: path}, nil
		}
		return p.proxied(kind, p.docProxy, a), nil
	case KindOffice:
		return p.proxied(kind, p.officeProxy, a), nil
	}
	return Preview{Kind: kind, Mode: PreviewDownload}, nil
}

func (p *AttachmentPipeline) proxied(kind AttachmentKind, proxy string, a *model.Attachment) Preview {
	if proxy == "" || a.URL == "" {
		return Preview{Kind: kind, Mode: PreviewDownload}
	}
	return Preview{Kind: kind, Mode: PreviewProxy, URL: proxy + url.QueryEscape(a.URL)}
}

func (p *AttachmentPipeline) fetchBlob(ctx context.Context, a *model.Attachment) (string, string, error) {
	if a.Key == "" || p.objects == nil {
		return "", "", fmt.Errorf("attachment not in object store")
	}
	rc, err := p.objects.Open(ctx, a.Key)
	if err != nil {
		return "", "", err
	}
	defer rc.Close()
	return p.blobs.Create(rc, filepath.Ext(a.Key))
}

// Download 重新拉取附件字节写入 w
func (p *AttachmentPipeline) Download(ctx context.Context, a *model.Attachment, w io.Writer) (int64, error) {
	if a == nil || a.Key == "" {
		return 0, apperrors.NotFound("message has no downloadable attachment")
	}
	if p.objects == nil {
		return 0, apperrors.Transient("download attachment", fmt.Errorf("object store not configured"))
	}
	rc, err := p.objects.Open(ctx, a.Key)
	if err != nil {
		return 0, apperrors.Transient("download attachment", err)
	}
	defer rc.Close()
	n, err := io.Copy(w, rc)
	if err != nil {
		return n, apperrors.Transient("download attachment", err)
	}
	return n, nil
}

// DownloadTo 下载附件保存到目录，文件名冲突时追加序号，返回保存路径
func (p *AttachmentPipeline) DownloadTo(ctx context.Context, a *model.Attachment, dir string) (string, error) {
	if a == nil {
		return "", apperrors.NotFound("message has no downloadable attachment")
	}
	name := filepath.Base(a.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = filepath.Base(a.Key)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	var f *os.File
	for i := 0; ; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		var err error
		f, err = os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !os.IsExist(err) || i > 1000 {
			return "", apperrors.Transient("save attachment", err)
		}
	}

	if _, err := p.Download(ctx, a, f); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", apperrors.Transient("save attachment", err)
	}
	return f.Name(), nil
}

// Remove 删除附件对象
func (p *AttachmentPipeline) Remove(ctx context.Context, a *model.Attachment) error {
	if a == nil || a.Key == "" || p.objects == nil {
		return nil
	}
	if err := p.objects.Delete(ctx, p.self, a.Key); err != nil {
		return apperrors.Transient("remove attachment", err)
	}
	return nil
}
